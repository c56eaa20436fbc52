// Package portfolio implements Portfolio: the component that aggregates
// one or more strategies, converts their intents into orders, performs
// optional internal crossing, and stages orders for Risk. It has no
// direct teacher analog; its process_orders orchestration is grounded on
// the sequencing shape of the teacher's order.Usecase.Handle (validate,
// queue, forward) and its accumulator shape on state.PositionReducer,
// recombined per spec.md §4.6.
package portfolio

import (
	"sort"
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/idgen"
	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/position"
	"github.com/rsheftel/runner/internal/strategy"
)

// PricingPolicy computes the limit price for an intent-derived order.
// The default, DefaultPricingPolicy, is the last bar close with no
// offset; OffsetPricingPolicy adds a fixed offset, and any policy can be
// installed with Portfolio.SetPricingPolicy.
type PricingPolicy func(mdm marketdata.Manager, productType, symbol string, side order.Side) (decimal.Decimal, error)

// DefaultPricingPolicy prices at the last close, unadjusted.
func DefaultPricingPolicy(mdm marketdata.Manager, productType, symbol string, _ order.Side) (decimal.Decimal, error) {
	return mdm.CurrentPrice(productType, symbol)
}

// OffsetPricingPolicy prices at the last close plus offset (offset is
// typically negative for buys, positive for sells, to favor a fill).
func OffsetPricingPolicy(offset decimal.Decimal) PricingPolicy {
	return func(mdm marketdata.Manager, productType, symbol string, _ order.Side) (decimal.Decimal, error) {
		price, err := mdm.CurrentPrice(productType, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return price.Add(offset), nil
	}
}

// EnableCrossing controls whether Portfolio.ProcessOrders attempts
// internal crossing of opposing staged orders before forwarding to Risk.
// Only exact-opposite, same-quantity pairs cross (spec.md §9 Open
// Question decision — partial crossing is unsupported v1).
type Portfolio struct {
	uuid   string
	id     string
	mgr    *oms.OrderManager
	pm     *position.Manager
	mdm    marketdata.Manager
	pricer PricingPolicy

	strategies      map[string]strategy.Strategy
	strategyOrder   []string
	intents         map[intentKey]strategy.Intent
	marketOpen      map[string]bool

	EnableCrossing bool
}

type intentKey struct {
	strategyID  string
	productType string
	symbol      string
}

// New constructs a Portfolio.
func New(id string, mgr *oms.OrderManager, pm *position.Manager, mdm marketdata.Manager) *Portfolio {
	return &Portfolio{
		uuid:       idgen.New(),
		id:         id,
		mgr:        mgr,
		pm:         pm,
		mdm:        mdm,
		pricer:     DefaultPricingPolicy,
		strategies: make(map[string]strategy.Strategy),
		intents:    make(map[intentKey]strategy.Intent),
		marketOpen: make(map[string]bool),
	}
}

// UUID is the portfolio's immutable identity, used to tag
// portfolio-originated orders.
func (p *Portfolio) UUID() string { return p.uuid }

// ID is the portfolio's human-readable identifier.
func (p *Portfolio) ID() string { return p.id }

// SetPricingPolicy overrides the default last-close pricing.
func (p *Portfolio) SetPricingPolicy(policy PricingPolicy) { p.pricer = policy }

// BindStrategy binds a strategy to this portfolio, in registration
// order (spec.md §5 stable ordering requirement).
func (p *Portfolio) BindStrategy(s strategy.Strategy) {
	p.strategies[s.ID()] = s
	p.strategyOrder = append(p.strategyOrder, s.ID())
}

// StrategyIDs returns the bound strategy IDs in registration order.
func (p *Portfolio) StrategyIDs() []string {
	out := make([]string, len(p.strategyOrder))
	copy(out, p.strategyOrder)
	return out
}

// Strategies returns the bound strategies in registration order, the
// stable iteration order spec.md §5 requires for deterministic per-bar
// dispatch.
func (p *Portfolio) Strategies() []strategy.Strategy {
	out := make([]strategy.Strategy, 0, len(p.strategyOrder))
	for _, id := range p.strategyOrder {
		out = append(out, p.strategies[id])
	}
	return out
}

// SetMarketOpen records whether productType's market is currently
// tradable, consumed by risk.MarketClosedRule via MarketOpen.
func (p *Portfolio) SetMarketOpen(productType string, open bool) {
	p.marketOpen[productType] = open
}

// MarketOpen implements risk.Portfolio.
func (p *Portfolio) MarketOpen(productType string) bool {
	return p.marketOpen[productType]
}

// CurrentPosition implements risk.Portfolio, delegating to the
// PositionManager.
func (p *Portfolio) CurrentPosition(strategyID, productType, symbol string) decimal.Decimal {
	return p.pm.CurrentPosition(strategyID, productType, symbol)
}

// SetIntent records a strategy's target position for a symbol. A new
// call for the same (strategy, product_type, symbol) replaces any
// pending intent (spec.md §4.6: "single-shot").
func (p *Portfolio) SetIntent(strategyID, productType, symbol string, target decimal.Decimal) {
	p.intents[intentKey{strategyID, productType, symbol}] = strategy.Intent{
		ProductType:    productType,
		Symbol:         symbol,
		TargetQuantity: target,
	}
}

// GetIntent reads the currently pending intent, if any.
func (p *Portfolio) GetIntent(strategyID, productType, symbol string) (strategy.Intent, bool) {
	i, ok := p.intents[intentKey{strategyID, productType, symbol}]
	return i, ok
}

// StagedOrders implements risk.Portfolio: every order staged by this
// portfolio still awaiting a risk verdict.
func (p *Portfolio) StagedOrders() []*order.Order {
	staged := p.mgr.OrdersList(oms.Filter{State: order.Staged, HasState: true})
	out := make([]*order.Order, 0, len(staged))
	for _, o := range staged {
		if o.PortfolioUUID() == p.uuid || o.OriginatorUUID() == p.uuid {
			out = append(out, o)
		}
	}
	return out
}

// ProcessOrders runs the three sub-steps of spec.md §4.6:
// (a) materialize every strategy-authored CREATED order to STAGED,
// (b) convert pending intents into new STAGED orders,
// (c) optionally cross exact-opposite staged pairs off-book.
func (p *Portfolio) ProcessOrders(now time.Time) error {
	if err := p.materializeCreated(now); err != nil {
		return err
	}
	if err := p.materializeIntents(now); err != nil {
		return err
	}
	if p.EnableCrossing {
		if err := p.crossStagedOrders(now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Portfolio) materializeCreated(now time.Time) error {
	for _, strategyID := range p.strategyOrder {
		orders := p.mgr.OrdersList(oms.Filter{
			State: order.Created, HasState: true,
			StrategyUUID: strategyID,
		})
		for _, o := range orders {
			o.SetPortfolio(p.uuid, p.id)
			if err := p.mgr.ChangeState(o.UUID(), order.Staged, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Portfolio) materializeIntents(now time.Time) error {
	keys := make([]intentKey, 0, len(p.intents))
	for k := range p.intents {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].strategyID != keys[j].strategyID {
			return keys[i].strategyID < keys[j].strategyID
		}
		if keys[i].productType != keys[j].productType {
			return keys[i].productType < keys[j].productType
		}
		return keys[i].symbol < keys[j].symbol
	})

	for _, k := range keys {
		intent := p.intents[k]
		delete(p.intents, k)

		current := p.pm.CurrentPosition(k.strategyID, k.productType, k.symbol)
		delta := intent.TargetQuantity.Sub(current)
		if delta.IsZero() {
			continue
		}

		side := order.Buy
		if delta.LessThan(decimal.Zero) {
			side = order.Sell
		}
		qty := delta.Abs()

		price, err := p.pricer(p.mdm, k.productType, k.symbol, side)
		if err != nil {
			continue
		}

		o, err := p.mgr.NewOrder(p.uuid, p.id, k.productType, k.symbol, side, qty, order.Limit,
			map[string]decimal.Decimal{"price": price}, now)
		if err != nil {
			return err
		}
		o.SetStrategy(k.strategyID, k.strategyID)
		if err := p.mgr.ChangeState(o.UUID(), order.Staged, now); err != nil {
			return err
		}
	}
	return nil
}

// crossOffBookState is the synthetic terminal state used for internally
// crossed orders. Filled is reused rather than inventing a new state,
// since a cross is economically a fill at the crossing price and closed
// downstream consumers (PositionManager) treat it identically. Reaching
// it from STAGED still has to walk the same RISK_ACCEPTED -> SENT edges
// every other order does (order.CanTransition has no STAGED -> FILLED
// edge), so a cross is a risk-free fast-forward through the ordinary
// path rather than a shortcut around it.
const crossOffBookState = order.Filled

func (p *Portfolio) crossStagedOrders(now time.Time) error {
	staged := p.StagedOrders()
	consumed := make(map[string]bool)

	bySymbol := make(map[string][]*order.Order)
	for _, o := range staged {
		key := o.ProductType() + "|" + o.Symbol()
		bySymbol[key] = append(bySymbol[key], o)
	}

	for _, group := range bySymbol {
		for i := 0; i < len(group); i++ {
			a := group[i]
			if consumed[a.UUID()] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				b := group[j]
				if consumed[b.UUID()] {
					continue
				}
				if a.Side() == b.Side().Opposite() && a.Quantity().Equal(b.Quantity()) {
					price, err := p.mdm.CurrentPrice(a.ProductType(), a.Symbol())
					if err != nil {
						continue
					}
					if err := p.crossPair(a, b, price, now); err != nil {
						return err
					}
					consumed[a.UUID()] = true
					consumed[b.UUID()] = true
					break
				}
			}
		}
	}
	return nil
}

func (p *Portfolio) crossPair(a, b *order.Order, price decimal.Decimal, now time.Time) error {
	for _, o := range [2]*order.Order{a, b} {
		if err := p.mgr.ChangeState(o.UUID(), order.RiskAccepted, now); err != nil {
			return err
		}
		if err := p.mgr.ChangeState(o.UUID(), order.Sent, now); err != nil {
			return err
		}
		if err := o.AddFill(order.Fill{
			FillID:     idgen.New(),
			Timestamp:  now,
			BarTime:    now,
			Quantity:   o.Quantity(),
			Price:      price,
			Commission: decimal.Zero,
		}); err != nil {
			return err
		}
		if err := p.mgr.ChangeState(o.UUID(), crossOffBookState, now); err != nil {
			return err
		}
	}
	return nil
}
