// Package strategy defines the contract user-supplied trading logic
// implements plus the non-owning capability bridge the EventProcessor
// hands it each bar. It has no single teacher analog: the lifecycle
// shape is grounded on chycee-CryptoGo's Strategy interface (market
// update / order update callbacks) enriched with the fuller lifecycle
// bally65-singularity's OrderStatus/ExecutedOrder types imply, and cast
// into a non-owning "bridge" record of handles and entry points instead
// of dynamic attribute lookup.
package strategy

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
)

// Intent is a per-symbol absolute target position a strategy declares.
// Portfolio.ProcessOrders converts it into a delta order; creating a new
// intent for the same (product_type, symbol) replaces the previous one
// (spec.md §4.6).
type Intent struct {
	ProductType    string
	Symbol         string
	TargetQuantity decimal.Decimal
}

// PositionManager is the narrow read surface strategies and portfolios
// need from internal/position, kept here to avoid an import cycle
// (internal/position never needs to know about strategies).
type PositionManager interface {
	CurrentPosition(strategyID, productType, symbol string) decimal.Decimal
	GetValue(strategyID, productType, symbol, field string) (decimal.Decimal, bool)
}

// Bridge is the capability set passed to every lifecycle callback, not
// dynamic attribute lookup: three non-owning handles (OMS, PM,
// MarketData) plus the strategy and portfolio IDs. It has no Portfolio
// handle; orders, cancels, replaces and intents go through the entry
// points NewBridge wires.
type Bridge struct {
	OMS         *oms.OrderManager
	PM          PositionManager
	MarketData  marketdata.Manager
	StrategyID  string
	PortfolioID string

	orderFn  func(productType, symbol string, side order.Side, qty decimal.Decimal, typ order.Type, details map[string]decimal.Decimal) (string, error)
	cancelFn func(uuid string) error
	replaceFn func(uuid string, qty decimal.Decimal, details map[string]decimal.Decimal) error
	intentFn func(productType, symbol string, target decimal.Decimal)
	getIntentFn func(productType, symbol string) (Intent, bool)
}

// NewBridge wires a Bridge's mutation entry points to a Portfolio's
// implementation, keeping the field set itself free of portfolio types
// (avoids strategy <-> portfolio import cycles per spec.md §9).
func NewBridge(
	mgr *oms.OrderManager,
	pm PositionManager,
	mdm marketdata.Manager,
	strategyID, portfolioID string,
	orderFn func(productType, symbol string, side order.Side, qty decimal.Decimal, typ order.Type, details map[string]decimal.Decimal) (string, error),
	cancelFn func(uuid string) error,
	replaceFn func(uuid string, qty decimal.Decimal, details map[string]decimal.Decimal) error,
	intentFn func(productType, symbol string, target decimal.Decimal),
	getIntentFn func(productType, symbol string) (Intent, bool),
) *Bridge {
	return &Bridge{
		OMS: mgr, PM: pm, MarketData: mdm,
		StrategyID: strategyID, PortfolioID: portfolioID,
		orderFn: orderFn, cancelFn: cancelFn, replaceFn: replaceFn,
		intentFn: intentFn, getIntentFn: getIntentFn,
	}
}

// Order authors a new strategy-originated order in CREATED state and
// returns its uuid.
func (b *Bridge) Order(productType, symbol string, side order.Side, qty decimal.Decimal, typ order.Type, details map[string]decimal.Decimal) (string, error) {
	return b.orderFn(productType, symbol, side, qty, typ, details)
}

// CancelOrder requests cancellation of a strategy-owned order.
func (b *Bridge) CancelOrder(uuid string) error { return b.cancelFn(uuid) }

// ReplaceOrder requests a quantity/details replacement.
func (b *Bridge) ReplaceOrder(uuid string, qty decimal.Decimal, details map[string]decimal.Decimal) error {
	return b.replaceFn(uuid, qty, details)
}

// GetOrder reads an order by uuid.
func (b *Bridge) GetOrder(uuid string) (*order.Order, error) { return b.OMS.Order(uuid) }

// Intent declares a per-symbol absolute target position.
func (b *Bridge) Intent(productType, symbol string, target decimal.Decimal) {
	b.intentFn(productType, symbol, target)
}

// GetIntent reads the currently pending intent for a symbol, if any.
func (b *Bridge) GetIntent(productType, symbol string) (Intent, bool) {
	return b.getIntentFn(productType, symbol)
}

// Strategy is the contract user-supplied trading logic implements.
// Lifecycle callbacks are invoked by EventProcessor in stable
// registration order within a bar (spec.md §5).
type Strategy interface {
	ID() string
	PortfolioID() string

	OnStart(bridge *Bridge) error
	OnBeginOfDay(ts time.Time, bridge *Bridge) error
	OnMarketOpen(ts time.Time, bridge *Bridge) error
	OnBar(ts time.Time, bridge *Bridge) error
	OnFills(ts time.Time, orders []*order.Order, bridge *Bridge) error
	OnCancels(ts time.Time, orders []*order.Order, bridge *Bridge) error
	OnMarketClose(ts time.Time, bridge *Bridge) error
	OnEndOfDay(ts time.Time, bridge *Bridge) error
	OnStop(ts time.Time, bridge *Bridge) error

	// AddSymbols declares the (product_type, symbol, frequency) tuples
	// this strategy consumes. Called once during registration.
	AddSymbols() []SymbolSubscription

	// SetParameters installs strategy-specific configuration ahead of
	// OnStart.
	SetParameters(params map[string]decimal.Decimal)
}

// SymbolSubscription names one market-data feed a strategy wants
// tracked.
type SymbolSubscription struct {
	ProductType string
	Symbol      string
	Frequency   string
}

// Base provides no-op implementations of every lifecycle callback except
// OnBar, so concrete strategies only override what they need — mirroring
// the teacher's habit of small, focused structs over deep interface
// hierarchies.
type Base struct {
	StrategyIDValue   string
	PortfolioIDValue  string
	Params            map[string]decimal.Decimal
	Symbols           []SymbolSubscription
}

func (b *Base) ID() string          { return b.StrategyIDValue }
func (b *Base) PortfolioID() string { return b.PortfolioIDValue }

func (b *Base) OnStart(*Bridge) error                                     { return nil }
func (b *Base) OnBeginOfDay(time.Time, *Bridge) error                     { return nil }
func (b *Base) OnMarketOpen(time.Time, *Bridge) error                     { return nil }
func (b *Base) OnFills(time.Time, []*order.Order, *Bridge) error          { return nil }
func (b *Base) OnCancels(time.Time, []*order.Order, *Bridge) error        { return nil }
func (b *Base) OnMarketClose(time.Time, *Bridge) error                    { return nil }
func (b *Base) OnEndOfDay(time.Time, *Bridge) error                       { return nil }
func (b *Base) OnStop(time.Time, *Bridge) error                           { return nil }
func (b *Base) AddSymbols() []SymbolSubscription                          { return b.Symbols }
func (b *Base) SetParameters(params map[string]decimal.Decimal)           { b.Params = params }
