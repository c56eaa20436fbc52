// Package position implements the PositionManager: a keyed table of
// position rows updated by fills and marked to market once per bar. It
// generalizes the teacher's state.PositionReducer (a single
// map[symbolID]Quantity updated by ApplyFill) into the composite-keyed,
// full-PnL-formula table spec.md §3/§4.7 describes.
package position

import (
	"sort"
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/xerrors"
)

// Key is the composite key of the position table.
type Key struct {
	StrategyID  string
	ProductType string
	Symbol      string
}

// Row is one position record. Every decimal field defaults to zero.
type Row struct {
	Key Key

	CurrentPosition decimal.Decimal
	StartPosition   decimal.Decimal
	NetQuantity     decimal.Decimal
	BuyQuantity     decimal.Decimal
	SellQuantity    decimal.Decimal
	BuyAvgPrice     decimal.Decimal
	SellAvgPrice    decimal.Decimal
	BuyPnL          decimal.Decimal
	SellPnL         decimal.Decimal
	TradePnL        decimal.Decimal
	PositionPnL     decimal.Decimal
	GrossPnL        decimal.Decimal
	Commission      decimal.Decimal
	NetPnL          decimal.Decimal
	PriorClosePrice decimal.Decimal
	CurrentPrice    decimal.Decimal
}

// Trade is one booked execution, either from a direct enter_trade call
// or derived from an order's accumulated fills.
type Trade struct {
	OriginatorID string
	StrategyID   string
	Timestamp    time.Time
	ProductType  string
	Symbol       string
	Side         order.Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Commission   decimal.Decimal
}

// Manager owns the keyed position table.
type Manager struct {
	rows  map[Key]*Row
	mgr   *oms.OrderManager
	mdm   marketdata.Manager
	trades []Trade
}

// New constructs an empty Manager wired to mgr (for book_fills) and mdm
// (for update_pnl).
func New(mgr *oms.OrderManager, mdm marketdata.Manager) *Manager {
	return &Manager{rows: make(map[Key]*Row), mgr: mgr, mdm: mdm}
}

func (m *Manager) row(key Key) *Row {
	r, ok := m.rows[key]
	if !ok {
		r = &Row{Key: key}
		m.rows[key] = r
	}
	return r
}

// EnterTrade appends a trade and updates the keyed row's accumulators
// per spec.md §4.7: buy/sell quantity accumulate, buy/sell average price
// is the quantity-weighted mean, current_position derives from
// start_position plus net buys minus sells.
func (m *Manager) EnterTrade(t Trade) {
	m.trades = append(m.trades, t)
	key := Key{StrategyID: t.StrategyID, ProductType: t.ProductType, Symbol: t.Symbol}
	r := m.row(key)

	signedQty := t.Quantity
	if t.Side == order.Sell {
		signedQty = signedQty.Neg()
	}

	switch t.Side {
	case order.Buy:
		weighted := r.BuyAvgPrice.Mul(r.BuyQuantity).Add(t.Price.Mul(t.Quantity))
		r.BuyQuantity = r.BuyQuantity.Add(t.Quantity)
		if r.BuyQuantity.GreaterThan(decimal.Zero) {
			r.BuyAvgPrice = weighted.Div(r.BuyQuantity)
		}
	case order.Sell:
		weighted := r.SellAvgPrice.Mul(r.SellQuantity).Add(t.Price.Mul(t.Quantity))
		r.SellQuantity = r.SellQuantity.Add(t.Quantity)
		if r.SellQuantity.GreaterThan(decimal.Zero) {
			r.SellAvgPrice = weighted.Div(r.SellQuantity)
		}
	}

	r.Commission = r.Commission.Add(t.Commission)
	r.NetQuantity = r.NetQuantity.Add(signedQty)
	r.CurrentPosition = r.StartPosition.Add(r.BuyQuantity).Sub(r.SellQuantity)
}

// EnterTradeFromOrder requires o to be closed with at least one fill,
// and derives a Trade from the order's accumulated fills (spec.md
// §4.7).
func (m *Manager) EnterTradeFromOrder(o *order.Order) error {
	if !o.Closed() {
		return xerrors.Wrap(xerrors.ErrInvalidTransition, "enter_trade_from_order requires a closed order")
	}
	if o.FillQuantity().LessThanOrEqual(decimal.Zero) {
		return xerrors.Wrap(xerrors.ErrInvalidTransition, "enter_trade_from_order requires at least one fill")
	}
	m.EnterTrade(Trade{
		OriginatorID: o.OriginatorID(),
		StrategyID:   o.StrategyID(),
		Timestamp:    o.CreateTimestamp(),
		ProductType:  o.ProductType(),
		Symbol:       o.Symbol(),
		Side:         o.Side(),
		Quantity:     o.FillQuantity(),
		Price:        o.FillPrice(),
		Commission:   o.Commission(),
	})
	return nil
}

// BookFills applies every unbooked closed order in the OMS to its
// position row and marks it booked, idempotently (spec.md §4.7 /
// GLOSSARY "Booking").
func (m *Manager) BookFills() error {
	for _, o := range m.mgr.ToBeBookedList() {
		if err := m.EnterTradeFromOrder(o); err != nil {
			return err
		}
		if err := m.mgr.SetBooked(o.UUID(), order.BookedTrue); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePnL marks every row to market using mdm.CurrentPrice, per the
// formula set of spec.md §4.7. Rows for symbols with no market data this
// bar are left with their previous CurrentPrice/PriorClosePrice.
func (m *Manager) UpdatePnL() {
	for _, r := range m.rows {
		price, err := m.mdm.CurrentPrice(r.Key.ProductType, r.Key.Symbol)
		if err == nil {
			r.CurrentPrice = price
		}
		prior, err := m.mdm.PriorClose(r.Key.ProductType, r.Key.Symbol)
		if err == nil {
			r.PriorClosePrice = prior
		}

		if r.BuyQuantity.GreaterThan(decimal.Zero) {
			r.BuyPnL = r.CurrentPrice.Sub(r.BuyAvgPrice).Mul(r.BuyQuantity)
		} else {
			r.BuyPnL = decimal.Zero
		}
		if r.SellQuantity.GreaterThan(decimal.Zero) {
			r.SellPnL = r.SellAvgPrice.Sub(r.CurrentPrice).Mul(r.SellQuantity)
		} else {
			r.SellPnL = decimal.Zero
		}
		r.TradePnL = r.BuyPnL.Add(r.SellPnL)
		r.PositionPnL = r.CurrentPrice.Sub(r.PriorClosePrice).Mul(r.StartPosition)
		r.GrossPnL = r.TradePnL.Add(r.PositionPnL)
		r.NetPnL = r.GrossPnL.Add(r.Commission)
	}
}

// RollSession sets every row's StartPosition to its CurrentPosition and
// resets the per-session buy/sell accumulators, called by
// event.Processor.RunBar at end of day.
func (m *Manager) RollSession() {
	for _, r := range m.rows {
		r.StartPosition = r.CurrentPosition
		r.NetQuantity = decimal.Zero
		r.BuyQuantity = decimal.Zero
		r.SellQuantity = decimal.Zero
		r.BuyAvgPrice = decimal.Zero
		r.SellAvgPrice = decimal.Zero
	}
}

// CurrentPosition implements strategy.PositionManager and risk.Portfolio's
// position lookup.
func (m *Manager) CurrentPosition(strategyID, productType, symbol string) decimal.Decimal {
	r, ok := m.rows[Key{StrategyID: strategyID, ProductType: productType, Symbol: symbol}]
	if !ok {
		return decimal.Zero
	}
	return r.CurrentPosition
}

// GetValue reads a single named field off a position row.
func (m *Manager) GetValue(strategyID, productType, symbol, field string) (decimal.Decimal, bool) {
	r, ok := m.rows[Key{StrategyID: strategyID, ProductType: productType, Symbol: symbol}]
	if !ok {
		return decimal.Zero, false
	}
	switch field {
	case "current_position":
		return r.CurrentPosition, true
	case "start_position":
		return r.StartPosition, true
	case "net_quantity":
		return r.NetQuantity, true
	case "buy_quantity":
		return r.BuyQuantity, true
	case "sell_quantity":
		return r.SellQuantity, true
	case "buy_avg_price":
		return r.BuyAvgPrice, true
	case "sell_avg_price":
		return r.SellAvgPrice, true
	case "buy_pnl":
		return r.BuyPnL, true
	case "sell_pnl":
		return r.SellPnL, true
	case "trade_pnl":
		return r.TradePnL, true
	case "position_pnl":
		return r.PositionPnL, true
	case "gross_pnl":
		return r.GrossPnL, true
	case "commission":
		return r.Commission, true
	case "net_pnl":
		return r.NetPnL, true
	case "prior_close_price":
		return r.PriorClosePrice, true
	case "current_price":
		return r.CurrentPrice, true
	default:
		return decimal.Zero, false
	}
}

// PositionsDF returns every row sorted by the composite key, the
// projection spec.md §4.7 calls positions_df.
func (m *Manager) PositionsDF() []Row {
	out := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.StrategyID != out[j].Key.StrategyID {
			return out[i].Key.StrategyID < out[j].Key.StrategyID
		}
		if out[i].Key.ProductType != out[j].Key.ProductType {
			return out[i].Key.ProductType < out[j].Key.ProductType
		}
		return out[i].Key.Symbol < out[j].Key.Symbol
	})
	return out
}
