// Package order implements the Order entity and its state machine: the
// value-plus-state record every other component in the pipeline refers to
// by UUID. It generalizes the teacher's internal/og/state_machine.go
// (a flat map[uint64]*Order keyed state tracker) into the full append-only,
// invariant-checked entity spec.md §3/§4.1 describes.
package order

import (
	"encoding/json"
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/idgen"
	"github.com/rsheftel/runner/internal/xerrors"
)

// StateEvent is one entry of the append-only state_df history.
type StateEvent struct {
	Timestamp time.Time
	State     State
}

// Replacement is one entry of the append-only replaces history, including
// the original order as the first element.
type Replacement struct {
	Quantity decimal.Decimal
	Details  map[string]decimal.Decimal
}

// Fill is one entry of the append-only fills history.
type Fill struct {
	FillID     string
	Timestamp  time.Time
	BarTime    time.Time
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Booked     bool
}

// Order is one instruction moving through the pipeline. All fields that
// participate in invariants are unexported; mutation happens only through
// the methods below, which is what lets OrderManager be the sole mutator
// of cross-cutting state (spec.md §5).
type Order struct {
	uuid            string
	createTimestamp time.Time

	originatorUUID string
	originatorID   string
	strategyUUID   string
	strategyID     string
	portfolioUUID  string
	portfolioID    string

	productType string
	symbol      string
	side        Side
	typ         Type

	state  State
	closed bool

	brokerOrderID   string
	exchangeOrderID string

	fillPrice    decimal.Decimal
	fillQuantity decimal.Decimal
	commission   decimal.Decimal
	booked       Booked

	stateHistory []StateEvent
	replaces     []Replacement
	fills        []Fill

	rejectReason string
}

// New constructs an order in the CREATED state with the original
// quantity/details recorded as the first replacement entry.
func New(originatorUUID, originatorID, productType, symbol string, side Side, quantity decimal.Decimal, typ Type, details map[string]decimal.Decimal, now time.Time) *Order {
	o := &Order{
		uuid:            idgen.New(),
		createTimestamp: now,
		originatorUUID:  originatorUUID,
		originatorID:    originatorID,
		productType:     productType,
		symbol:          symbol,
		side:            side,
		typ:             typ,
		state:           Created,
		fillPrice:       decimal.Zero,
		fillQuantity:    decimal.Zero,
		commission:      decimal.Zero,
		booked:          BookedNone,
	}
	o.stateHistory = append(o.stateHistory, StateEvent{Timestamp: now, State: Created})
	o.replaces = append(o.replaces, Replacement{Quantity: quantity, Details: cloneDetails(details)})
	return o
}

func cloneDetails(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	dst := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// UUID is the immutable identity assigned at construction.
func (o *Order) UUID() string { return o.uuid }

// CreateTimestamp is immutable.
func (o *Order) CreateTimestamp() time.Time { return o.createTimestamp }

func (o *Order) OriginatorUUID() string { return o.originatorUUID }
func (o *Order) OriginatorID() string   { return o.originatorID }
func (o *Order) StrategyUUID() string   { return o.strategyUUID }
func (o *Order) StrategyID() string     { return o.strategyID }
func (o *Order) PortfolioUUID() string  { return o.portfolioUUID }
func (o *Order) PortfolioID() string    { return o.portfolioID }

// SetStrategy tags the order with its strategy. Called once, right after
// the order is inserted into the OMS, by the authoring strategy bridge
// and by Portfolio for intent-derived orders.
func (o *Order) SetStrategy(uuid, id string) {
	o.strategyUUID = uuid
	o.strategyID = id
}

// SetPortfolio tags the order with the staging portfolio, per spec.md
// §4.6 step (a).
func (o *Order) SetPortfolio(uuid, id string) {
	o.portfolioUUID = uuid
	o.portfolioID = id
}

func (o *Order) ProductType() string { return o.productType }
func (o *Order) Symbol() string      { return o.symbol }
func (o *Order) Side() Side          { return o.side }
func (o *Order) Type() Type          { return o.typ }

// Quantity is the latest replacement's quantity.
func (o *Order) Quantity() decimal.Decimal {
	return o.replaces[len(o.replaces)-1].Quantity
}

// Details is the latest replacement's type-dependent parameters.
func (o *Order) Details() map[string]decimal.Decimal {
	return cloneDetails(o.replaces[len(o.replaces)-1].Details)
}

func (o *Order) State() State   { return o.state }
func (o *Order) Closed() bool   { return o.closed }
func (o *Order) Booked() Booked { return o.booked }

func (o *Order) BrokerOrderID() string   { return o.brokerOrderID }
func (o *Order) ExchangeOrderID() string { return o.exchangeOrderID }

// SetBrokerIDs is called once by the Broker when it sends the order.
func (o *Order) SetBrokerIDs(brokerOrderID, exchangeOrderID string) {
	o.brokerOrderID = brokerOrderID
	o.exchangeOrderID = exchangeOrderID
}

func (o *Order) FillPrice() decimal.Decimal    { return o.fillPrice }
func (o *Order) FillQuantity() decimal.Decimal { return o.fillQuantity }
func (o *Order) Commission() decimal.Decimal   { return o.commission }

// SetBooked is called only by the PositionManager/OrderManager pair
// (spec.md §4.2 "set_booked").
func (o *Order) SetBooked(v Booked) { o.booked = v }

// RejectReason is the human-readable reason a risk rule rejected this
// order, set alongside the STAGED -> RISK_REJECTED transition (spec.md
// §4.5). Empty for any order never rejected by a risk rule.
func (o *Order) RejectReason() string { return o.rejectReason }

// SetRejectReason records why a risk rule rejected the order. Called
// only by internal/risk immediately before transitioning to
// RISK_REJECTED.
func (o *Order) SetRejectReason(reason string) { o.rejectReason = reason }

// StateHistory returns a defensive copy of the append-only state_df.
func (o *Order) StateHistory() []StateEvent {
	out := make([]StateEvent, len(o.stateHistory))
	copy(out, o.stateHistory)
	return out
}

// Replaces returns a defensive copy of the append-only replaces history.
func (o *Order) Replaces() []Replacement {
	out := make([]Replacement, len(o.replaces))
	copy(out, o.replaces)
	return out
}

// Fills returns a defensive copy of the append-only fills history.
func (o *Order) Fills() []Fill {
	out := make([]Fill, len(o.fills))
	copy(out, o.fills)
	return out
}

// ChangeState validates the edge against the transition table (§4.1),
// appends to state_df, and flips closed once the destination is terminal.
// A now earlier than the last recorded timestamp is replaced by that
// timestamp, so state_df stays monotonic in time.
func (o *Order) ChangeState(to State, now time.Time) error {
	if o.closed {
		return xerrors.Wrap(xerrors.ErrInvalidTransition, "order "+o.uuid+" already closed")
	}
	if !CanTransition(o.state, to) {
		return xerrors.Wrap(xerrors.ErrInvalidTransition, o.state.String()+" -> "+to.String())
	}
	if len(o.stateHistory) > 0 {
		last := o.stateHistory[len(o.stateHistory)-1].Timestamp
		if now.Before(last) {
			now = last
		}
	}
	o.state = to
	o.stateHistory = append(o.stateHistory, StateEvent{Timestamp: now, State: to})
	if to.IsClosed() {
		o.closed = true
	}
	return nil
}

// Replace appends a new (quantity, details) pair to the replaces history.
// It does not itself change state; callers drive the
// REPLACE_REQUESTED/REPLACE_SENT/LIVE transitions separately.
func (o *Order) Replace(quantity decimal.Decimal, details map[string]decimal.Decimal) {
	o.replaces = append(o.replaces, Replacement{Quantity: quantity, Details: cloneDetails(details)})
}

// AddFill appends a fill, recomputes FillQuantity as the running sum and
// FillPrice as the quantity-weighted mean (spec.md §3 invariants), and
// accumulates commission. Booking is tracked on the order's Booked flag:
// the first fill moves it from BookedNone to BookedFalse, and
// PositionManager.BookFills sets BookedTrue via OrderManager.SetBooked.
// Fill.Booked is carried through ToDict/FromDict but not set by BookFills.
func (o *Order) AddFill(f Fill) error {
	newTotal := o.fillQuantity.Add(f.Quantity)
	if newTotal.GreaterThan(o.Quantity()) {
		return xerrors.Wrap(xerrors.ErrInvalidTransition, "fill exceeds order quantity")
	}
	weighted := o.fillPrice.Mul(o.fillQuantity).Add(f.Price.Mul(f.Quantity))
	o.fills = append(o.fills, f)
	o.fillQuantity = newTotal
	if newTotal.IsZero() {
		o.fillPrice = decimal.Zero
	} else {
		o.fillPrice = weighted.Div(newTotal)
	}
	o.commission = o.commission.Add(f.Commission)
	if o.booked == BookedNone {
		o.booked = BookedFalse
	}
	return nil
}

// Fingerprint returns the canonical cross-run comparison string of
// spec.md §6: uuid|create_timestamp|product_type|symbol|side|quantity|type|detailsJSON.
func (o *Order) Fingerprint() string {
	detailsJSON, _ := json.Marshal(sortedDetails(o.Details()))
	return o.uuid + "|" +
		o.createTimestamp.UTC().Format(time.RFC3339Nano) + "|" +
		o.productType + "|" +
		o.symbol + "|" +
		o.side.String() + "|" +
		o.Quantity().String() + "|" +
		o.typ.String() + "|" +
		string(detailsJSON)
}

func sortedDetails(details map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = v.String()
	}
	return out
}

// Dict is the plain-map projection used by ToDict/FromDict round-tripping
// (spec.md §8), generalizing the typed-record-over-dynamic-dataframe
// design note of spec.md §9.
type Dict map[string]any

// ToDict projects the order into a plain map, sufficient to reconstruct
// an equal order via FromDict.
func (o *Order) ToDict() Dict {
	fills := make([]Dict, len(o.fills))
	for i, f := range o.fills {
		fills[i] = Dict{
			"fill_id":    f.FillID,
			"timestamp":  f.Timestamp,
			"bartime":    f.BarTime,
			"quantity":   f.Quantity.String(),
			"price":      f.Price.String(),
			"commission": f.Commission.String(),
			"booked":     f.Booked,
		}
	}
	states := make([]Dict, len(o.stateHistory))
	for i, s := range o.stateHistory {
		states[i] = Dict{"timestamp": s.Timestamp, "state": s.State.String()}
	}
	replaces := make([]Dict, len(o.replaces))
	for i, r := range o.replaces {
		replaces[i] = Dict{"quantity": r.Quantity.String(), "details": sortedDetails(r.Details)}
	}
	return Dict{
		"uuid":              o.uuid,
		"create_timestamp":  o.createTimestamp,
		"originator_uuid":   o.originatorUUID,
		"originator_id":     o.originatorID,
		"strategy_uuid":     o.strategyUUID,
		"strategy_id":       o.strategyID,
		"portfolio_uuid":    o.portfolioUUID,
		"portfolio_id":      o.portfolioID,
		"product_type":      o.productType,
		"symbol":            o.symbol,
		"buy_sell":          o.side.String(),
		"type":              o.typ.String(),
		"state":             o.state.String(),
		"broker_order_id":   o.brokerOrderID,
		"exchange_order_id": o.exchangeOrderID,
		"fill_price":        o.fillPrice.String(),
		"fill_quantity":     o.fillQuantity.String(),
		"commission":        o.commission.String(),
		"booked":            o.booked.String(),
		"closed":            o.closed,
		"reject_reason":     o.rejectReason,
		"state_df":          states,
		"replaces":          replaces,
		"fills":             fills,
	}
}

// FromDict reconstructs an order from a Dict produced by ToDict. It is
// used by the round-trip property test of spec.md §8 and by
// persistence.Store's GetOrders, the only production caller.
func FromDict(d Dict) (*Order, error) {
	o := &Order{}
	o.uuid, _ = d["uuid"].(string)
	o.createTimestamp = asTime(d["create_timestamp"])
	o.originatorUUID, _ = d["originator_uuid"].(string)
	o.originatorID, _ = d["originator_id"].(string)
	o.strategyUUID, _ = d["strategy_uuid"].(string)
	o.strategyID, _ = d["strategy_id"].(string)
	o.portfolioUUID, _ = d["portfolio_uuid"].(string)
	o.portfolioID, _ = d["portfolio_id"].(string)
	o.productType, _ = d["product_type"].(string)
	o.symbol, _ = d["symbol"].(string)

	if side, ok := d["buy_sell"].(string); ok {
		o.side, _ = ParseSide(side)
	}
	if typ, ok := d["type"].(string); ok {
		switch typ {
		case "LIMIT":
			o.typ = Limit
		case "MARKET":
			o.typ = Market
		}
	}
	if st, ok := d["state"].(string); ok {
		for s, name := range stateNames {
			if name == st {
				o.state = s
				break
			}
		}
	}
	o.brokerOrderID, _ = d["broker_order_id"].(string)
	o.exchangeOrderID, _ = d["exchange_order_id"].(string)
	o.fillPrice = parseDecimal(d["fill_price"])
	o.fillQuantity = parseDecimal(d["fill_quantity"])
	o.commission = parseDecimal(d["commission"])
	if booked, ok := d["booked"].(string); ok {
		switch booked {
		case "false":
			o.booked = BookedFalse
		case "true":
			o.booked = BookedTrue
		default:
			o.booked = BookedNone
		}
	}
	o.closed, _ = d["closed"].(bool)
	o.rejectReason, _ = d["reject_reason"].(string)

	for _, s := range asDictSlice(d["state_df"]) {
		ts := asTime(s["timestamp"])
		var st State
		if name, ok := s["state"].(string); ok {
			for candidate, n := range stateNames {
				if n == name {
					st = candidate
					break
				}
			}
		}
		o.stateHistory = append(o.stateHistory, StateEvent{Timestamp: ts, State: st})
	}
	for _, r := range asDictSlice(d["replaces"]) {
		qty := parseDecimal(r["quantity"])
		details := map[string]decimal.Decimal{}
		for k, v := range asStringMap(r["details"]) {
			details[k] = parseDecimalString(v)
		}
		o.replaces = append(o.replaces, Replacement{Quantity: qty, Details: details})
	}
	for _, f := range asDictSlice(d["fills"]) {
		ts := asTime(f["timestamp"])
		bt := asTime(f["bartime"])
		booked, _ := f["booked"].(bool)
		fillID, _ := f["fill_id"].(string)
		o.fills = append(o.fills, Fill{
			FillID:     fillID,
			Timestamp:  ts,
			BarTime:    bt,
			Quantity:   parseDecimal(f["quantity"]),
			Price:      parseDecimal(f["price"]),
			Commission: parseDecimal(f["commission"]),
			Booked:     booked,
		})
	}
	return o, nil
}

// asDictSlice normalizes a field that may be []Dict (constructed
// in-process by ToDict) or []any of map[string]any (the shape produced
// by json.Unmarshal into Dict after a persistence round-trip).
func asDictSlice(v any) []Dict {
	switch t := v.(type) {
	case []Dict:
		return t
	case []any:
		out := make([]Dict, 0, len(t))
		for _, elem := range t {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, Dict(m))
			}
		}
		return out
	default:
		return nil
	}
}

// asTime normalizes a field that may be time.Time (in-process) or a
// RFC3339Nano string (after a JSON round-trip).
func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

// asStringMap normalizes a field that may be map[string]string
// (in-process) or map[string]any (after a JSON round-trip).
func asStringMap(v any) map[string]string {
	switch t := v.(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

func parseDecimal(v any) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	return parseDecimalString(s)
}

func parseDecimalString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
