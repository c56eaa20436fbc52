// Package oms implements the OrderManager: the single point of mutation
// for every Order in the system, plus the secondary indices the rest of
// the pipeline needs (by state, by originator, by strategy, by symbol).
// It generalizes the teacher's og.StateMachine (internal/og/state_machine.go),
// which keeps one flat map[uint64]*Order and lets callers poke state
// directly; here every mutation is funneled through OrderManager methods
// so the state, originator and symbol indices never drift from the
// underlying map. The strategy index records only the strategy tag an
// order carried when inserted, and lookups do not rely on it.
package oms

import (
	"sync"
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/xerrors"
)

// OrderManager owns every order in the run and the indices over it.
type OrderManager struct {
	mu sync.RWMutex

	orders map[string]*order.Order

	byState      map[order.State]map[string]bool
	byOriginator map[string]map[string]bool
	byStrategy   map[string]map[string]bool
	bySymbol     map[string]map[string]bool
}

// New creates an empty OrderManager.
func New() *OrderManager {
	return &OrderManager{
		orders:       make(map[string]*order.Order),
		byState:      make(map[order.State]map[string]bool),
		byOriginator: make(map[string]map[string]bool),
		byStrategy:   make(map[string]map[string]bool),
		bySymbol:     make(map[string]map[string]bool),
	}
}

// NewOrder constructs an order via order.New, inserts it under CREATED,
// and returns it. Duplicate UUIDs cannot occur since order.New mints a
// fresh idgen.New() identifier, but the check stays cheap insurance if a
// caller ever round-trips an order from persistence.Store with FromDict.
func (m *OrderManager) NewOrder(originatorUUID, originatorID, productType, symbol string, side order.Side, quantity decimal.Decimal, typ order.Type, details map[string]decimal.Decimal, now time.Time) (*order.Order, error) {
	o := order.New(originatorUUID, originatorID, productType, symbol, side, quantity, typ, details, now)
	if err := m.insert(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Insert adds an externally constructed order (e.g. from persistence
// rehydration) to the manager.
func (m *OrderManager) Insert(o *order.Order) error {
	return m.insert(o)
}

func (m *OrderManager) insert(o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.UUID()]; exists {
		return xerrors.Wrap(xerrors.ErrDuplicateUUID, o.UUID())
	}
	m.orders[o.UUID()] = o
	m.indexInsert(o)
	return nil
}

func (m *OrderManager) indexInsert(o *order.Order) {
	m.addToSet(m.byState, o.State(), o.UUID())
	if o.OriginatorUUID() != "" {
		m.addToSet(m.byOriginator, o.OriginatorUUID(), o.UUID())
	}
	if o.StrategyUUID() != "" {
		m.addToSet(m.byStrategy, o.StrategyUUID(), o.UUID())
	}
	m.addToSet(m.bySymbol, o.ProductType()+"|"+o.Symbol(), o.UUID())
}

func (m *OrderManager) addToSet(idx any, key any, uuid string) {
	switch t := idx.(type) {
	case map[order.State]map[string]bool:
		set, ok := t[key.(order.State)]
		if !ok {
			set = make(map[string]bool)
			t[key.(order.State)] = set
		}
		set[uuid] = true
	case map[string]map[string]bool:
		k := key.(string)
		set, ok := t[k]
		if !ok {
			set = make(map[string]bool)
			t[k] = set
		}
		set[uuid] = true
	}
}

// Order returns the order with the given UUID.
func (m *OrderManager) Order(uuid string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[uuid]
	if !ok {
		return nil, xerrors.Wrap(xerrors.ErrUnknownOrder, uuid)
	}
	return o, nil
}

// ChangeState transitions the order and re-files it under the state
// index. This is the only path by which an order's state changes once
// inserted (spec.md §4.2 invariant: "OrderManager is the sole mutator").
func (m *OrderManager) ChangeState(uuid string, to order.State, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[uuid]
	if !ok {
		return xerrors.Wrap(xerrors.ErrUnknownOrder, uuid)
	}
	from := o.State()
	if err := o.ChangeState(to, now); err != nil {
		return err
	}
	if set, ok := m.byState[from]; ok {
		delete(set, uuid)
	}
	m.addToSet(m.byState, to, uuid)
	return nil
}

// AddFill forwards to the order under the manager's lock; it touches no
// index. Callers are expected to follow with a ChangeState to FILLED or
// PARTIALLY_FILLED as appropriate, mirroring spec.md §4.3's broker fill
// handling sequence.
func (m *OrderManager) AddFill(uuid string, f order.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[uuid]
	if !ok {
		return xerrors.Wrap(xerrors.ErrUnknownOrder, uuid)
	}
	return o.AddFill(f)
}

// SetBooked marks an order's fills as booked into a position.
func (m *OrderManager) SetBooked(uuid string, booked order.Booked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[uuid]
	if !ok {
		return xerrors.Wrap(xerrors.ErrUnknownOrder, uuid)
	}
	o.SetBooked(booked)
	return nil
}

// Filter narrows OrdersList results. A zero-value field means
// "unconstrained". Symbol alone matches that symbol under any
// ProductType; the (product_type, symbol) index is used only when both
// are set.
type Filter struct {
	State         order.State
	HasState      bool
	OriginatorUUID string
	StrategyUUID   string
	ProductType    string
	Symbol         string
	OpenOnly       bool
	ClosedOnly     bool
}

// OrdersList returns every order matching f, in CreateTimestamp order
// with ties broken by UUID, for determinism (the teacher's map iteration
// gives no stable order; spec.md
// §8's property tests rely on a stable, sortable result).
func (m *OrderManager) OrdersList(f Filter) []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidate := m.candidateSet(f)
	out := make([]*order.Order, 0, len(candidate))
	for uuid := range candidate {
		o := m.orders[uuid]
		if !m.matches(o, f) {
			continue
		}
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

func (m *OrderManager) candidateSet(f Filter) map[string]bool {
	if f.HasState {
		return m.byState[f.State]
	}
	// byStrategy is not consulted: strategy tags are set after insertion
	// (order.SetStrategy), so the index can miss orders; matches checks
	// StrategyUUID on every candidate instead.
	if f.OriginatorUUID != "" {
		return m.byOriginator[f.OriginatorUUID]
	}
	if f.ProductType != "" && f.Symbol != "" {
		return m.bySymbol[f.ProductType+"|"+f.Symbol]
	}
	all := make(map[string]bool, len(m.orders))
	for uuid := range m.orders {
		all[uuid] = true
	}
	return all
}

func (m *OrderManager) matches(o *order.Order, f Filter) bool {
	if f.HasState && o.State() != f.State {
		return false
	}
	if f.OriginatorUUID != "" && o.OriginatorUUID() != f.OriginatorUUID {
		return false
	}
	if f.StrategyUUID != "" && o.StrategyUUID() != f.StrategyUUID {
		return false
	}
	if f.ProductType != "" && o.ProductType() != f.ProductType {
		return false
	}
	if f.Symbol != "" && o.Symbol() != f.Symbol {
		return false
	}
	if f.OpenOnly && o.Closed() {
		return false
	}
	if f.ClosedOnly && !o.Closed() {
		return false
	}
	return true
}

func sortOrders(os []*order.Order) {
	less := func(a, b *order.Order) bool {
		if !a.CreateTimestamp().Equal(b.CreateTimestamp()) {
			return a.CreateTimestamp().Before(b.CreateTimestamp())
		}
		return a.UUID() < b.UUID()
	}
	for i := 1; i < len(os); i++ {
		for j := i; j > 0 && less(os[j], os[j-1]); j-- {
			os[j-1], os[j] = os[j], os[j-1]
		}
	}
}

// OpenOrders returns every order not yet closed.
func (m *OrderManager) OpenOrders() []*order.Order {
	return m.OrdersList(Filter{OpenOnly: true})
}

// ClosedOrders returns every closed order.
func (m *OrderManager) ClosedOrders() []*order.Order {
	return m.OrdersList(Filter{ClosedOnly: true})
}

// ToBeBookedList returns closed, filled-or-partially-filled orders whose
// fills have not yet been booked into a position, per spec.md §4.2's
// "to_be_booked_list" operation consumed once per bar by PositionManager.
func (m *OrderManager) ToBeBookedList() []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*order.Order, 0)
	for _, o := range m.orders {
		if o.Closed() && o.Booked() == order.BookedFalse && o.FillQuantity().GreaterThan(decimal.Zero) {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out
}
