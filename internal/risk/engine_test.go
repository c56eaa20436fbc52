package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
)

type fakePortfolio struct {
	staged     []*order.Order
	marketOpen map[string]bool
	positions  map[string]decimal.Decimal
}

func (f *fakePortfolio) StagedOrders() []*order.Order { return f.staged }
func (f *fakePortfolio) MarketOpen(productType string) bool { return f.marketOpen[productType] }
func (f *fakePortfolio) CurrentPosition(strategyID, productType, symbol string) decimal.Decimal {
	if v, ok := f.positions[strategyID+"|"+productType+"|"+symbol]; ok {
		return v
	}
	return decimal.Zero
}

func stagedOrder(t *testing.T, mgr *oms.OrderManager, qty decimal.Decimal, side order.Side, now time.Time) *order.Order {
	t.Helper()
	o, err := mgr.NewOrder("orig", "orig-id", "stock", "TEST", side, qty, order.Limit,
		map[string]decimal.Decimal{"price": decimal.NewFromInt(10)}, now)
	require.NoError(t, err)
	require.NoError(t, mgr.ChangeState(o.UUID(), order.Staged, now))
	return o
}

func TestEngineAcceptsWithinLimits(t *testing.T) {
	mgr := oms.New()
	mdm := marketdata.NewStatic()
	mdm.Load("stock", "TEST", []marketdata.Bar{{BarTime: time.Unix(0, 0), Close: decimal.NewFromInt(10)}})
	now := time.Unix(0, 0)
	mdm.SetBarTime(now)

	o := stagedOrder(t, mgr, decimal.NewFromInt(10), order.Buy, now)
	p := &fakePortfolio{staged: []*order.Order{o}, marketOpen: map[string]bool{"stock": true}}

	e := NewEngine(mgr, mdm, MarketClosedRule{}, MaxOrderQtyRule{MaxQty: decimal.NewFromInt(100)})
	require.NoError(t, e.ProcessPortfolioOrders(p, now))

	got, err := mgr.Order(o.UUID())
	require.NoError(t, err)
	assert.Equal(t, order.RiskAccepted, got.State())
}

func TestEngineRejectsWhenMarketClosed(t *testing.T) {
	mgr := oms.New()
	mdm := marketdata.NewStatic()
	mdm.Load("stock", "TEST", []marketdata.Bar{{BarTime: time.Unix(0, 0), Close: decimal.NewFromInt(10)}})
	now := time.Unix(0, 0)
	mdm.SetBarTime(now)

	o := stagedOrder(t, mgr, decimal.NewFromInt(10), order.Buy, now)
	p := &fakePortfolio{staged: []*order.Order{o}, marketOpen: map[string]bool{"stock": false}}

	e := NewEngine(mgr, mdm, MarketClosedRule{})
	require.NoError(t, e.ProcessPortfolioOrders(p, now))

	got, err := mgr.Order(o.UUID())
	require.NoError(t, err)
	assert.Equal(t, order.RiskRejected, got.State())
	assert.Equal(t, "market_closed", got.RejectReason())
	assert.True(t, got.Closed())
}

func TestEngineStopsAtFirstViolation(t *testing.T) {
	mgr := oms.New()
	mdm := marketdata.NewStatic()
	mdm.Load("stock", "TEST", []marketdata.Bar{{BarTime: time.Unix(0, 0), Close: decimal.NewFromInt(10)}})
	now := time.Unix(0, 0)
	mdm.SetBarTime(now)

	o := stagedOrder(t, mgr, decimal.NewFromInt(1000), order.Buy, now)
	p := &fakePortfolio{staged: []*order.Order{o}, marketOpen: map[string]bool{"stock": true}}

	e := NewEngine(mgr, mdm, MarketClosedRule{}, MaxOrderQtyRule{MaxQty: decimal.NewFromInt(100)}, MaxNotionalRule{MaxNotional: decimal.NewFromInt(1)})
	require.NoError(t, e.ProcessPortfolioOrders(p, now))

	got, err := mgr.Order(o.UUID())
	require.NoError(t, err)
	assert.Equal(t, "max_order_qty", got.RejectReason())
}

func TestPositionLimitRuleRejectsBreach(t *testing.T) {
	r := PositionLimitRule{MaxPosition: decimal.NewFromInt(50)}
	o := order.New("orig", "orig-id", "stock", "TEST", order.Buy, decimal.NewFromInt(20), order.Market, nil, time.Unix(0, 0))
	snap := Snapshot{Order: o, CurrentPosition: decimal.NewFromInt(40)}
	verdict := r.Evaluate(snap)
	assert.False(t, verdict.Accept)
	assert.Equal(t, "position_limit", verdict.Reason)
}

func TestPositionLimitRuleZeroMeansUnbounded(t *testing.T) {
	r := PositionLimitRule{MaxPosition: decimal.Zero}
	o := order.New("orig", "orig-id", "stock", "TEST", order.Buy, decimal.NewFromInt(10000), order.Market, nil, time.Unix(0, 0))
	snap := Snapshot{Order: o, CurrentPosition: decimal.NewFromInt(10000)}
	assert.True(t, r.Evaluate(snap).Accept)
}
