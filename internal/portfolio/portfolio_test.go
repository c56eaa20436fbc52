package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/position"
)

func newTestPortfolio(t *testing.T) (*Portfolio, *oms.OrderManager, marketdata.Manager, time.Time) {
	t.Helper()
	mgr := oms.New()
	mdm := marketdata.NewStatic()
	now := time.Unix(0, 0)
	mdm.Load("stock", "X", []marketdata.Bar{{BarTime: now, Close: decimal.NewFromInt(20)}})
	mdm.SetBarTime(now)
	pm := position.New(mgr, mdm)
	p := New("folio-1", mgr, pm, mdm)
	return p, mgr, mdm, now
}

func TestIntentConvertsToStagedOrder(t *testing.T) {
	p, mgr, _, now := newTestPortfolio(t)

	p.SetIntent("strat-1", "stock", "X", decimal.NewFromInt(50))
	require.NoError(t, p.ProcessOrders(now))

	staged := mgr.OrdersList(oms.Filter{State: order.Staged, HasState: true})
	require.Len(t, staged, 1)
	o := staged[0]
	assert.Equal(t, p.UUID(), o.OriginatorUUID())
	assert.Equal(t, order.Buy, o.Side())
	assert.True(t, o.Quantity().Equal(decimal.NewFromInt(50)))
}

func TestZeroDeltaIntentProducesNoOrder(t *testing.T) {
	p, mgr, _, now := newTestPortfolio(t)

	p.SetIntent("strat-1", "stock", "X", decimal.Zero)
	require.NoError(t, p.ProcessOrders(now))

	assert.Empty(t, mgr.OrdersList(oms.Filter{}))
}

func TestCrossingMatchesExactOppositePairs(t *testing.T) {
	p, mgr, _, now := newTestPortfolio(t)
	p.EnableCrossing = true

	p.SetIntent("strat-1", "stock", "X", decimal.NewFromInt(50))
	p.SetIntent("strat-2", "stock", "X", decimal.NewFromInt(-50))
	require.NoError(t, p.ProcessOrders(now))

	filled := mgr.OrdersList(oms.Filter{State: order.Filled, HasState: true})
	assert.Len(t, filled, 2, "exact-opposite same-quantity staged orders cross off book")
	assert.Empty(t, mgr.OrdersList(oms.Filter{State: order.Staged, HasState: true}))
}

func TestCrossingLeavesUnmatchedQuantitiesStaged(t *testing.T) {
	p, mgr, _, now := newTestPortfolio(t)
	p.EnableCrossing = true

	p.SetIntent("strat-1", "stock", "X", decimal.NewFromInt(50))
	p.SetIntent("strat-2", "stock", "X", decimal.NewFromInt(-30))
	require.NoError(t, p.ProcessOrders(now))

	staged := mgr.OrdersList(oms.Filter{State: order.Staged, HasState: true})
	assert.Len(t, staged, 2, "mismatched quantities do not cross")
}
