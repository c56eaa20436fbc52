package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/order"
)

func TestLimitBuyFillsOnceBarTurnsMarketable(t *testing.T) {
	xch := New(Params{FillMultiplier: decimal.NewFromInt(1)})
	mdm := marketdata.NewStatic()
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour)
	mdm.Load("stock", "TEST", []marketdata.Bar{
		{BarTime: t0, Open: decimal.NewFromFloat(10.5), High: decimal.NewFromFloat(10.6), Low: decimal.NewFromFloat(10.4), Close: decimal.NewFromFloat(10.5), Volume: decimal.NewFromInt(1000)},
		{BarTime: t1, Open: decimal.NewFromFloat(9.9), High: decimal.NewFromFloat(10.1), Low: decimal.NewFromFloat(9.8), Close: decimal.NewFromFloat(10), Volume: decimal.NewFromInt(1000)},
	})

	mdm.SetBarTime(t0)
	id := xch.ReceiveOrder("stock", "TEST", order.Buy, decimal.NewFromInt(100), order.Limit,
		map[string]decimal.Decimal{"price": decimal.NewFromFloat(10.0)}, t0)
	xch.ProcessOrders(mdm)

	p, ok := xch.Order(id)
	require.True(t, ok)
	assert.False(t, p.IsFilled(), "T0's bar low never crosses the limit price")

	mdm.SetBarTime(t1)
	xch.ProcessOrders(mdm)

	p, ok = xch.Order(id)
	require.True(t, ok)
	assert.True(t, p.IsFilled())
	fills := p.Fills()
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromFloat(9.9)))
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(100)))
}

func TestLimitBuyNotMarketableStaysLive(t *testing.T) {
	xch := New(Params{FillMultiplier: decimal.NewFromInt(1)})
	mdm := marketdata.NewStatic()
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour)
	mdm.Load("stock", "TEST", []marketdata.Bar{
		{BarTime: t0, Close: decimal.NewFromFloat(10), Volume: decimal.NewFromInt(1000)},
		{BarTime: t1, Open: decimal.NewFromFloat(10.3), High: decimal.NewFromFloat(10.4), Low: decimal.NewFromFloat(10.2), Close: decimal.NewFromFloat(10.3), Volume: decimal.NewFromInt(1000)},
	})
	mdm.SetBarTime(t0)
	id := xch.ReceiveOrder("stock", "TEST", order.Buy, decimal.NewFromInt(100), order.Limit,
		map[string]decimal.Decimal{"price": decimal.NewFromFloat(10.0)}, t0)

	mdm.SetBarTime(t1)
	xch.ProcessOrders(mdm)

	p, ok := xch.Order(id)
	require.True(t, ok)
	assert.False(t, p.IsFilled())
	assert.Empty(t, p.Fills())
}

func TestFillMultiplierCapsQuantity(t *testing.T) {
	xch := New(Params{FillMultiplier: decimal.NewFromFloat(0.6)})
	mdm := marketdata.NewStatic()
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour)
	mdm.Load("stock", "TEST", []marketdata.Bar{
		{BarTime: t0, Close: decimal.NewFromFloat(10), Volume: decimal.NewFromInt(0)},
		{BarTime: t1, Open: decimal.NewFromFloat(10), High: decimal.NewFromFloat(10.5), Low: decimal.NewFromFloat(9.5), Close: decimal.NewFromFloat(10), Volume: decimal.NewFromInt(100)},
	})
	mdm.SetBarTime(t0)
	id := xch.ReceiveOrder("stock", "TEST", order.Sell, decimal.NewFromInt(100), order.Limit,
		map[string]decimal.Decimal{"price": decimal.NewFromFloat(10.0)}, t0)

	mdm.SetBarTime(t1)
	xch.ProcessOrders(mdm)

	p, ok := xch.Order(id)
	require.True(t, ok)
	assert.False(t, p.IsFilled())
	assert.True(t, p.Remaining().Equal(decimal.NewFromInt(40)))
}

func TestCancelPreventsFurtherFills(t *testing.T) {
	xch := New(Params{FillMultiplier: decimal.NewFromInt(1)})
	mdm := marketdata.NewStatic()
	t0 := time.Unix(0, 0)
	mdm.Load("stock", "TEST", []marketdata.Bar{{BarTime: t0, Open: decimal.NewFromFloat(10), High: decimal.NewFromFloat(10), Low: decimal.NewFromFloat(10), Close: decimal.NewFromFloat(10), Volume: decimal.NewFromInt(1000)}})
	mdm.SetBarTime(t0)
	id := xch.ReceiveOrder("stock", "TEST", order.Buy, decimal.NewFromInt(100), order.Market, nil, t0)

	assert.True(t, xch.Cancel(id))
	p, ok := xch.Order(id)
	require.True(t, ok)
	assert.True(t, p.IsCanceled())
	assert.False(t, xch.Cancel(id), "canceling twice should report no-op")
}
