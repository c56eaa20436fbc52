package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/broker"
	"github.com/rsheftel/runner/internal/event"
	"github.com/rsheftel/runner/internal/exchange"
	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/portfolio"
	"github.com/rsheftel/runner/internal/position"
	"github.com/rsheftel/runner/internal/risk"
	"github.com/rsheftel/runner/internal/strategy"
)

// scriptedStrategy lets each integration scenario below drive OnBar with
// inline logic instead of a named concrete Strategy.
type scriptedStrategy struct {
	strategy.Base
	onBar func(ts time.Time, bridge *strategy.Bridge)
}

func (s *scriptedStrategy) OnBar(ts time.Time, bridge *strategy.Bridge) error {
	if s.onBar != nil {
		s.onBar(ts, bridge)
	}
	return nil
}

// harness wires one portfolio/strategy pipeline the way cmd/runner does,
// scaled down to a single portfolio for scenario tests.
type harness struct {
	mgr   *oms.OrderManager
	mdm   *marketdata.Static
	xch   *exchange.PaperExchange
	brk   *broker.PaperBroker
	pm    *position.Manager
	folio *portfolio.Portfolio
	proc  *event.Processor
}

func newHarness(fillMultiplier decimal.Decimal, rules ...risk.Rule) *harness {
	mgr := oms.New()
	mdm := marketdata.NewStatic()
	pm := position.New(mgr, mdm)
	xch := exchange.New(exchange.Params{FillMultiplier: fillMultiplier})
	brk := broker.New(mgr, xch)
	riskEngine := risk.NewEngine(mgr, mdm, rules...)
	folio := portfolio.New("folio-1", mgr, pm, mdm)

	proc := event.New(event.Config{
		OMS: mgr, MarketData: mdm, Exchange: xch, Broker: brk,
		Risk: riskEngine, Positions: pm, Portfolios: []*portfolio.Portfolio{folio},
		Source: "test",
	})

	return &harness{mgr: mgr, mdm: mdm, xch: xch, brk: brk, pm: pm, folio: folio, proc: proc}
}

func (h *harness) bridgeFor(s strategy.Strategy) *strategy.Bridge {
	orderFn := func(productType, symbol string, side order.Side, qty decimal.Decimal, typ order.Type, details map[string]decimal.Decimal) (string, error) {
		o, err := h.mgr.NewOrder(s.ID(), s.ID(), productType, symbol, side, qty, typ, details, h.mdm.CurrentBarTime())
		if err != nil {
			return "", err
		}
		o.SetStrategy(s.ID(), s.ID())
		return o.UUID(), nil
	}
	cancelFn := func(uuid string) error {
		o, err := h.mgr.Order(uuid)
		if err != nil {
			return err
		}
		return h.brk.Cancel(o, h.mdm.CurrentBarTime())
	}
	replaceFn := func(uuid string, qty decimal.Decimal, details map[string]decimal.Decimal) error {
		o, err := h.mgr.Order(uuid)
		if err != nil {
			return err
		}
		return h.brk.Replace(o, qty, details, h.mdm.CurrentBarTime())
	}
	intentFn := func(productType, symbol string, target decimal.Decimal) {
		h.folio.SetIntent(s.ID(), productType, symbol, target)
	}
	getIntentFn := func(productType, symbol string) (strategy.Intent, bool) {
		return h.folio.GetIntent(s.ID(), productType, symbol)
	}
	return strategy.NewBridge(h.mgr, h.pm, h.mdm, s.ID(), s.PortfolioID(), orderFn, cancelFn, replaceFn, intentFn, getIntentFn)
}

// TestScenarioLimitBuyFillsOnceBarTurnsMarketable covers a LIMIT buy
// placed against a bar that doesn't cross its price, then filled the bar
// after the low finally dips to the limit.
func TestScenarioLimitBuyFillsOnceBarTurnsMarketable(t *testing.T) {
	h := newHarness(decimal.NewFromInt(1), risk.MarketClosedRule{})
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour)
	h.mdm.Load("stock", "X", []marketdata.Bar{
		{BarTime: t0, Open: decimal.NewFromFloat(10.3), High: decimal.NewFromFloat(10.5), Low: decimal.NewFromFloat(10.4), Close: decimal.NewFromFloat(10.3), Volume: decimal.NewFromInt(1000)},
		{BarTime: t1, Open: decimal.NewFromFloat(9.9), High: decimal.NewFromFloat(10.1), Low: decimal.NewFromFloat(9.8), Close: decimal.NewFromFloat(9.9), Volume: decimal.NewFromInt(1000)},
	})

	var uuid string
	strat := &scriptedStrategy{Base: strategy.Base{StrategyIDValue: "s1", PortfolioIDValue: "folio-1"}}
	strat.onBar = func(ts time.Time, bridge *strategy.Bridge) {
		if uuid != "" {
			return
		}
		id, err := bridge.Order("stock", "X", order.Buy, decimal.NewFromInt(100), order.Limit,
			map[string]decimal.Decimal{"price": decimal.NewFromInt(10)})
		require.NoError(t, err)
		uuid = id
	}
	h.folio.BindStrategy(strat)

	runner := New(h.proc, h.bridgeFor)
	require.NoError(t, runner.Run([]time.Time{t0, t1}))

	o, err := h.mgr.Order(uuid)
	require.NoError(t, err)
	assert.Equal(t, order.Filled, o.State())
	assert.True(t, o.FillPrice().Equal(decimal.NewFromFloat(9.9)), "got %s", o.FillPrice().String())

	require.NoError(t, h.pm.BookFills())
	pos := h.pm.CurrentPosition("s1", "stock", "X")
	assert.True(t, pos.Equal(decimal.NewFromInt(100)))
}

// TestScenarioLimitBuyNeverMarketableStaysLive covers a LIMIT buy whose
// price is never crossed across the whole replay window.
func TestScenarioLimitBuyNeverMarketableStaysLive(t *testing.T) {
	h := newHarness(decimal.NewFromInt(1), risk.MarketClosedRule{})
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour)
	h.mdm.Load("stock", "X", []marketdata.Bar{
		{BarTime: t0, Open: decimal.NewFromFloat(10.3), High: decimal.NewFromFloat(10.5), Low: decimal.NewFromFloat(10.4), Close: decimal.NewFromFloat(10.3), Volume: decimal.NewFromInt(1000)},
		{BarTime: t1, Open: decimal.NewFromFloat(10.3), High: decimal.NewFromFloat(10.6), Low: decimal.NewFromFloat(10.2), Close: decimal.NewFromFloat(10.3), Volume: decimal.NewFromInt(1000)},
	})

	var uuid string
	strat := &scriptedStrategy{Base: strategy.Base{StrategyIDValue: "s1", PortfolioIDValue: "folio-1"}}
	strat.onBar = func(ts time.Time, bridge *strategy.Bridge) {
		if uuid != "" {
			return
		}
		id, err := bridge.Order("stock", "X", order.Buy, decimal.NewFromInt(100), order.Limit,
			map[string]decimal.Decimal{"price": decimal.NewFromInt(10)})
		require.NoError(t, err)
		uuid = id
	}
	h.folio.BindStrategy(strat)

	runner := New(h.proc, h.bridgeFor)
	require.NoError(t, runner.Run([]time.Time{t0, t1}))

	o, err := h.mgr.Order(uuid)
	require.NoError(t, err)
	assert.Equal(t, order.Live, o.State())
	assert.True(t, o.FillQuantity().IsZero())
}

// TestScenarioIntentConvertsToExactlyOneOrder covers a strategy declaring
// a target-position intent that the portfolio converts into a single
// delta order.
func TestScenarioIntentConvertsToExactlyOneOrder(t *testing.T) {
	h := newHarness(decimal.NewFromInt(1), risk.MarketClosedRule{})
	t0 := time.Unix(0, 0)
	h.mdm.Load("stock", "X", []marketdata.Bar{
		{BarTime: t0, Open: decimal.NewFromInt(20), High: decimal.NewFromInt(20), Low: decimal.NewFromInt(20), Close: decimal.NewFromInt(20), Volume: decimal.NewFromInt(1000)},
	})

	placed := false
	strat := &scriptedStrategy{Base: strategy.Base{StrategyIDValue: "s1", PortfolioIDValue: "folio-1"}}
	strat.onBar = func(ts time.Time, bridge *strategy.Bridge) {
		if placed {
			return
		}
		bridge.Intent("stock", "X", decimal.NewFromInt(50))
		placed = true
	}
	h.folio.BindStrategy(strat)

	runner := New(h.proc, h.bridgeFor)
	require.NoError(t, runner.Run([]time.Time{t0}))

	orders := h.mgr.OrdersList(oms.Filter{OriginatorUUID: h.folio.UUID()})
	require.Len(t, orders, 1, "exactly one order is created for the intent")
	assert.Equal(t, order.Buy, orders[0].Side())
	assert.True(t, orders[0].Quantity().Equal(decimal.NewFromInt(50)))
}

// TestScenarioMarketClosedRejectsOrder covers an order staged against a
// product_type the portfolio never observed market-open data for,
// rejected by risk before ever reaching the broker.
func TestScenarioMarketClosedRejectsOrder(t *testing.T) {
	h := newHarness(decimal.NewFromInt(1), risk.MarketClosedRule{})
	t0 := time.Unix(0, 0)
	// Deliberately no bars loaded: StepMarketDataUpdate never calls
	// SetMarketOpen for "stock", so Portfolio.MarketOpen defaults false.

	strat := &scriptedStrategy{Base: strategy.Base{StrategyIDValue: "s1", PortfolioIDValue: "folio-1"}}
	strat.onBar = func(ts time.Time, bridge *strategy.Bridge) {
		_, err := bridge.Order("stock", "X", order.Buy, decimal.NewFromInt(100), order.Limit,
			map[string]decimal.Decimal{"price": decimal.NewFromInt(10)})
		require.NoError(t, err)
	}
	h.folio.BindStrategy(strat)

	runner := New(h.proc, h.bridgeFor)
	require.NoError(t, runner.Run([]time.Time{t0}))

	closed := h.mgr.OrdersList(oms.Filter{ClosedOnly: true})
	require.Len(t, closed, 1)
	assert.Equal(t, order.RiskRejected, closed[0].State())
	assert.Equal(t, "market_closed", closed[0].RejectReason())

	pos := h.pm.CurrentPosition("s1", "stock", "X")
	assert.True(t, pos.IsZero())
}

// TestScenarioPartialFillThenCancel covers a SELL limit whose available
// volume is capped below its full quantity by the fill multiplier, then
// canceled two bars later with the partial fill quantity preserved.
func TestScenarioPartialFillThenCancel(t *testing.T) {
	h := newHarness(decimal.NewFromFloat(0.6), risk.MarketClosedRule{})
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour)
	t2 := t1.Add(time.Hour)
	h.mdm.Load("stock", "X", []marketdata.Bar{
		// High == limit: marketable, but the 0.6 multiplier caps the fill at 60 of 100.
		{BarTime: t0, Open: decimal.NewFromInt(10), High: decimal.NewFromInt(10), Low: decimal.NewFromInt(10), Close: decimal.NewFromInt(10), Volume: decimal.NewFromInt(100)},
		// High dips below the limit: no further fill, the remaining 40 stays resting.
		{BarTime: t1, Open: decimal.NewFromFloat(9.8), High: decimal.NewFromFloat(9.9), Low: decimal.NewFromFloat(9.7), Close: decimal.NewFromFloat(9.8), Volume: decimal.NewFromInt(100)},
		{BarTime: t2, Open: decimal.NewFromFloat(9.8), High: decimal.NewFromFloat(9.9), Low: decimal.NewFromFloat(9.7), Close: decimal.NewFromFloat(9.8), Volume: decimal.NewFromInt(100)},
	})

	var uuid string
	strat := &scriptedStrategy{Base: strategy.Base{StrategyIDValue: "s1", PortfolioIDValue: "folio-1"}}
	strat.onBar = func(ts time.Time, bridge *strategy.Bridge) {
		switch {
		case uuid == "":
			id, err := bridge.Order("stock", "X", order.Sell, decimal.NewFromInt(100), order.Limit,
				map[string]decimal.Decimal{"price": decimal.NewFromInt(10)})
			require.NoError(t, err)
			uuid = id
		case ts.Equal(t2):
			require.NoError(t, bridge.CancelOrder(uuid))
		}
	}
	h.folio.BindStrategy(strat)

	runner := New(h.proc, h.bridgeFor)
	require.NoError(t, runner.Run([]time.Time{t0, t1, t2}))

	o, err := h.mgr.Order(uuid)
	require.NoError(t, err)
	assert.Equal(t, order.Canceled, o.State())
	assert.True(t, o.FillQuantity().Equal(decimal.NewFromInt(60)), "got %s", o.FillQuantity().String())
}
