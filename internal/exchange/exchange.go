// Package exchange implements the PaperExchange: a deliberately simple
// fill simulator that never sees the trading-system Order, only the
// value fields needed to match it against bar data. It generalizes the
// teacher's cmd/tools/paper/main.go scratch matcher into a reusable
// component with its own order book, FIFO fill-multiplier contention,
// and cross-bar queuing of late arrivals (spec.md §4.3).
package exchange

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/idgen"
	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/order"
)

// bookState is the exchange's own lifecycle, independent of order.State:
// it only ever needs to know "still resting" vs "done".
type bookState uint8

const (
	bookQueued bookState = iota // received, not yet picked up by ProcessOrders
	bookLive
	bookFilled
	bookCanceled
)

// PaperOrder is the exchange's private record: a value copy of the
// submitted instruction plus its own fill history (spec.md §3 "Exchange
// book").
type PaperOrder struct {
	ExchangeOrderID string
	ProductType     string
	Symbol          string
	Side            order.Side
	Quantity        decimal.Decimal
	Type            order.Type
	Details         map[string]decimal.Decimal

	state           bookState
	remaining       decimal.Decimal
	receivedBarTime time.Time
	fills           []order.Fill
	closeBarTime    time.Time
}

// Remaining is the unfilled quantity still resting in the book.
func (p *PaperOrder) Remaining() decimal.Decimal { return p.remaining }

// Fills returns a defensive copy of the accumulated fills.
func (p *PaperOrder) Fills() []order.Fill {
	out := make([]order.Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

// IsFilled reports whether the paper order is fully filled.
func (p *PaperOrder) IsFilled() bool { return p.state == bookFilled }

// IsCanceled reports whether the paper order was canceled at the venue.
func (p *PaperOrder) IsCanceled() bool { return p.state == bookCanceled }

// Params configures a PaperExchange. Zero-value FillMultiplier defaults
// to 1 (100% of bar volume available) at construction.
type Params struct {
	FillMultiplier   decimal.Decimal
	StockFeePerShare decimal.Decimal
	// ProductFees overrides StockFeePerShare per product_type.
	ProductFees map[string]decimal.Decimal
}

// PaperExchange is the simulated venue.
type PaperExchange struct {
	params Params
	ids    *idgen.Sequence
	book   map[string]*PaperOrder
	// insertion preserves FIFO tie-break order for fill_multiplier
	// contention (spec.md §9).
	insertion []string
}

// New constructs a PaperExchange. A zero FillMultiplier is treated as 1.
func New(params Params) *PaperExchange {
	if params.FillMultiplier.IsZero() {
		params.FillMultiplier = decimal.NewFromInt(1)
	}
	return &PaperExchange{
		params: params,
		ids:    idgen.NewSequence("xch"),
		book:   make(map[string]*PaperOrder),
	}
}

// ReceiveOrder accepts an order by value and returns a freshly minted
// exchange_order_id. The order is queued and becomes LIVE at the start
// of the first ProcessOrders call whose bar time is not earlier than now.
func (x *PaperExchange) ReceiveOrder(productType, symbol string, side order.Side, quantity decimal.Decimal, typ order.Type, details map[string]decimal.Decimal, now time.Time) string {
	id := x.ids.Next()
	cp := make(map[string]decimal.Decimal, len(details))
	for k, v := range details {
		cp[k] = v
	}
	x.book[id] = &PaperOrder{
		ExchangeOrderID: id,
		ProductType:     productType,
		Symbol:          symbol,
		Side:            side,
		Quantity:        quantity,
		Type:            typ,
		Details:         cp,
		state:           bookQueued,
		remaining:       quantity,
		receivedBarTime: now,
	}
	x.insertion = append(x.insertion, id)
	return id
}

// Order returns the exchange's record for an exchange_order_id.
func (x *PaperExchange) Order(exchangeOrderID string) (*PaperOrder, bool) {
	p, ok := x.book[exchangeOrderID]
	return p, ok
}

func (x *PaperExchange) feeFor(productType string) decimal.Decimal {
	if fee, ok := x.params.ProductFees[productType]; ok {
		return fee
	}
	return x.params.StockFeePerShare
}

// ProcessOrders first promotes every bookQueued order received at or
// before mdm's current bar time to bookLive, then matches every bookLive
// order against the current bar, in FIFO insertion order so earlier
// orders win fill_multiplier-limited volume first. An order received
// before this call is therefore matchable in this same call; nothing is
// received while the call runs, since the pipeline is single-threaded.
func (x *PaperExchange) ProcessOrders(mdm marketdata.Manager) {
	now := mdm.CurrentBarTime()
	for _, id := range x.insertion {
		p := x.book[id]
		if p.state == bookQueued && !p.receivedBarTime.After(now) {
			p.state = bookLive
		}
	}
	for _, id := range x.insertion {
		p := x.book[id]
		if p.state != bookLive {
			continue
		}
		x.matchOne(p, mdm, now)
	}
}

func (x *PaperExchange) matchOne(p *PaperOrder, mdm marketdata.Manager, now time.Time) {
	bar, err := mdm.CurrentBar(p.ProductType, p.Symbol)
	if err != nil {
		return
	}

	available := bar.Volume.Mul(x.params.FillMultiplier).Floor(0)
	if available.LessThanOrEqual(decimal.Zero) {
		return
	}

	var fillPrice decimal.Decimal
	var fillable bool

	switch p.Type {
	case order.Market:
		fillPrice = bar.Open
		fillable = true
	case order.Limit:
		limit, ok := p.Details["price"]
		if !ok {
			return
		}
		switch p.Side {
		case order.Buy:
			if bar.Low.LessThanOrEqual(limit) {
				fillPrice = decimal.Min(limit, bar.Open)
				fillable = true
			}
		case order.Sell:
			if bar.High.GreaterThanOrEqual(limit) {
				fillPrice = decimal.Max(limit, bar.Open)
				fillable = true
			}
		}
	}
	if !fillable {
		return
	}

	qty := decimal.Min(p.remaining, available)
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	fee := qty.Mul(x.feeFor(p.ProductType)).Neg()
	p.fills = append(p.fills, order.Fill{
		FillID:     idgen.New(),
		Timestamp:  now,
		BarTime:    now,
		Quantity:   qty,
		Price:      fillPrice,
		Commission: fee,
	})
	p.remaining = p.remaining.Sub(qty)
	if p.remaining.LessThanOrEqual(decimal.Zero) {
		p.state = bookFilled
		p.closeBarTime = now
	}
}

// FillOrder is a test-only hook that force-fills a resting order,
// bypassing bar matching; it must never be called from the pipeline
// (spec.md §4.3).
func (x *PaperExchange) FillOrder(exchangeOrderID string, qty, price decimal.Decimal, ts time.Time) {
	p, ok := x.book[exchangeOrderID]
	if !ok {
		return
	}
	fee := qty.Mul(x.feeFor(p.ProductType)).Neg()
	p.fills = append(p.fills, order.Fill{
		FillID:     idgen.New(),
		Timestamp:  ts,
		BarTime:    ts,
		Quantity:   qty,
		Price:      price,
		Commission: fee,
	})
	p.remaining = p.remaining.Sub(qty)
	if p.remaining.LessThanOrEqual(decimal.Zero) {
		p.state = bookFilled
		p.closeBarTime = ts
	}
}

// Cancel marks a resting order canceled at the venue.
func (x *PaperExchange) Cancel(exchangeOrderID string) bool {
	p, ok := x.book[exchangeOrderID]
	if !ok || p.state == bookFilled || p.state == bookCanceled {
		return false
	}
	p.state = bookCanceled
	return true
}

// Replace updates quantity/details of a resting order in place.
func (x *PaperExchange) Replace(exchangeOrderID string, quantity decimal.Decimal, details map[string]decimal.Decimal) bool {
	p, ok := x.book[exchangeOrderID]
	if !ok || p.state == bookFilled || p.state == bookCanceled {
		return false
	}
	filled := p.Quantity.Sub(p.remaining)
	p.Quantity = quantity
	p.remaining = quantity.Sub(filled)
	cp := make(map[string]decimal.Decimal, len(details))
	for k, v := range details {
		cp[k] = v
	}
	p.Details = cp
	return true
}
