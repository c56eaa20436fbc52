// Package risk implements the gatekeeper between Portfolio's staged
// orders and Broker. It generalizes the teacher's single hard-coded
// Engine.Evaluate (a fixed sequence of kill-switch/rate-limit/qty/
// notional/position checks) into a pluggable chain of Rule predicates,
// keeping the teacher's "first violation wins, denial carries a reason"
// shape but letting callers add or reorder rules instead of editing the
// engine.
package risk

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/obs"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
)

// Snapshot is the read-only view a Rule evaluates against: the staged
// order plus enough portfolio/position context to judge it.
type Snapshot struct {
	Order           *order.Order
	CurrentPosition decimal.Decimal
	ReferencePrice  decimal.Decimal
	MarketOpen      bool
}

// Verdict is a rule's accept/reject-with-reason outcome.
type Verdict struct {
	Accept bool
	Reason string
}

func accept() Verdict { return Verdict{Accept: true} }

func reject(reason string) Verdict { return Verdict{Accept: false, Reason: reason} }

// Rule is a pure predicate: (order, snapshot) -> accept or
// reject-with-reason. The engine stops at the first rule that rejects
// (spec.md §4.5).
type Rule interface {
	Name() string
	Evaluate(snap Snapshot) Verdict
}

// MarketClosedRule is the default, minimum rule set observed in the
// source: reject orders whose product_type market is closed.
type MarketClosedRule struct{}

func (MarketClosedRule) Name() string { return "market_closed" }

func (MarketClosedRule) Evaluate(snap Snapshot) Verdict {
	if !snap.MarketOpen {
		return reject("market_closed")
	}
	return accept()
}

// MaxOrderQtyRule rejects orders whose quantity exceeds a static cap.
type MaxOrderQtyRule struct {
	MaxQty decimal.Decimal
}

func (MaxOrderQtyRule) Name() string { return "max_order_qty" }

func (r MaxOrderQtyRule) Evaluate(snap Snapshot) Verdict {
	if r.MaxQty.GreaterThan(decimal.Zero) && snap.Order.Quantity().GreaterThan(r.MaxQty) {
		return reject("max_order_qty")
	}
	return accept()
}

// MaxNotionalRule rejects orders whose estimated notional (quantity ×
// reference price) exceeds a static cap.
type MaxNotionalRule struct {
	MaxNotional decimal.Decimal
}

func (MaxNotionalRule) Name() string { return "max_notional" }

func (r MaxNotionalRule) Evaluate(snap Snapshot) Verdict {
	if r.MaxNotional.LessThanOrEqual(decimal.Zero) {
		return accept()
	}
	notional := snap.Order.Quantity().Mul(snap.ReferencePrice).Abs()
	if notional.GreaterThan(r.MaxNotional) {
		return reject("max_notional")
	}
	return accept()
}

// PositionLimitRule rejects orders that would push the resulting
// position beyond a static absolute cap.
type PositionLimitRule struct {
	MaxPosition decimal.Decimal
}

func (PositionLimitRule) Name() string { return "position_limit" }

func (r PositionLimitRule) Evaluate(snap Snapshot) Verdict {
	if r.MaxPosition.LessThanOrEqual(decimal.Zero) {
		return accept()
	}
	delta := snap.Order.Quantity()
	if snap.Order.Side() == order.Sell {
		delta = delta.Neg()
	}
	next := snap.CurrentPosition.Add(delta).Abs()
	if next.GreaterThan(r.MaxPosition) {
		return reject("position_limit")
	}
	return accept()
}

// Portfolio is the narrow slice of portfolio state the Engine needs:
// its staged orders, which products are tradable, and an order's
// current position. The reference price comes from the Engine's own
// marketdata.Manager. Implemented by internal/portfolio.Portfolio.
type Portfolio interface {
	StagedOrders() []*order.Order
	MarketOpen(productType string) bool
	CurrentPosition(strategyID, productType, symbol string) decimal.Decimal
}

// Engine evaluates every STAGED order against its rule chain.
type Engine struct {
	rules   []Rule
	mgr     *oms.OrderManager
	mdm     marketdata.Manager
	metrics *obs.Metrics
}

// SetMetrics attaches a metrics sink. Optional; a nil sink (the default)
// makes every Metrics method a no-op.
func (e *Engine) SetMetrics(m *obs.Metrics) { e.metrics = m }

// NewEngine constructs an Engine with the given rule chain. A caller
// that passes no rules gets MarketClosedRule as the sole default, per
// spec.md §4.5 "the minimum observed in the repo".
func NewEngine(mgr *oms.OrderManager, mdm marketdata.Manager, rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = []Rule{MarketClosedRule{}}
	}
	return &Engine{rules: rules, mgr: mgr, mdm: mdm}
}

// ProcessPortfolioOrders evaluates every STAGED order belonging to p,
// transitioning STAGED -> RISK_ACCEPTED on a full pass of the chain, or
// STAGED -> RISK_REJECTED with the first violated rule's reason recorded
// via SetRejectReason (read back with RejectReason); the order's Details
// are left unchanged.
func (e *Engine) ProcessPortfolioOrders(p Portfolio, now time.Time) error {
	for _, o := range p.StagedOrders() {
		ref, _ := e.mdm.CurrentPrice(o.ProductType(), o.Symbol())
		snap := Snapshot{
			Order:           o,
			CurrentPosition: p.CurrentPosition(o.StrategyID(), o.ProductType(), o.Symbol()),
			ReferencePrice:  ref,
			MarketOpen:      p.MarketOpen(o.ProductType()),
		}

		verdict := accept()
		for _, rule := range e.rules {
			verdict = rule.Evaluate(snap)
			if !verdict.Accept {
				break
			}
		}

		if verdict.Accept {
			if err := e.mgr.ChangeState(o.UUID(), order.RiskAccepted, now); err != nil {
				return err
			}
			e.metrics.ObserveStateChange(order.RiskAccepted)
			continue
		}
		o.SetRejectReason(verdict.Reason)
		if err := e.mgr.ChangeState(o.UUID(), order.RiskRejected, now); err != nil {
			return err
		}
		e.metrics.ObserveStateChange(order.RiskRejected)
		e.metrics.IncRiskReject(verdict.Reason)
	}
	return nil
}
