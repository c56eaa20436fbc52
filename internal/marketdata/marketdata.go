// Package marketdata defines the boundary between the pipeline and price
// data. spec.md §1 treats market data as an external collaborator the
// pipeline only reads through a narrow interface; this package is that
// interface plus a Static in-memory implementation for backtests and
// tests. It has no teacher analog — the teacher's internal/ingest and
// internal/mdg packages own live feed ingestion, which is out of scope
// (see DESIGN.md) — so its shape is grounded directly on spec.md §1/§6
// rather than adapted from teacher code.
package marketdata

import (
	"sort"
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/xerrors"
)

// Bar is one OHLCV observation for a (product_type, symbol) pair at a
// bartime.
type Bar struct {
	BarTime time.Time
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Close   decimal.Decimal
	Volume  decimal.Decimal
}

// Manager is the read-only market data surface the rest of the pipeline
// depends on. Implementations decide how bars are produced; the pipeline
// only ever calls SetBarTime once per event loop iteration and then reads.
type Manager interface {
	// SetBarTime advances the manager's notion of "now" to t. Bars with
	// BarTime <= t become visible to CurrentBar/CurrentPrice.
	SetBarTime(t time.Time)

	// CurrentBarTime returns the bartime last set by SetBarTime.
	CurrentBarTime() time.Time

	// CurrentBar returns the bar visible at the current bartime for
	// (productType, symbol), or ErrNoMarketData if none has arrived yet.
	CurrentBar(productType, symbol string) (Bar, error)

	// CurrentPrice returns the close of CurrentBar, used for intent
	// pricing, risk reference prices and mark-to-market (fill simulation
	// reads CurrentBar).
	CurrentPrice(productType, symbol string) (decimal.Decimal, error)

	// PriorClose returns the close of the bar immediately preceding the
	// current bar, used by position.Manager.UpdatePnL for position PnL.
	PriorClose(productType, symbol string) (decimal.Decimal, error)

	// Symbols lists every (productType, symbol) pair the manager tracks.
	Symbols() []Key
}

// Key identifies a tracked instrument.
type Key struct {
	ProductType string
	Symbol      string
}

// Static is an in-memory Manager backed by a preloaded bar series per
// key, suitable for backtests and deterministic tests (spec.md §8).
type Static struct {
	bartime time.Time
	series  map[Key][]Bar // ascending by BarTime
}

// NewStatic creates an empty Static manager.
func NewStatic() *Static {
	return &Static{series: make(map[Key][]Bar)}
}

// Load installs a bar series for a key, sorting by BarTime if needed.
func (s *Static) Load(productType, symbol string, bars []Bar) {
	cp := make([]Bar, len(bars))
	copy(cp, bars)
	sort.Slice(cp, func(i, j int) bool { return cp[i].BarTime.Before(cp[j].BarTime) })
	s.series[Key{ProductType: productType, Symbol: symbol}] = cp
}

func (s *Static) SetBarTime(t time.Time) { s.bartime = t }

func (s *Static) CurrentBarTime() time.Time { return s.bartime }

func (s *Static) Symbols() []Key {
	out := make([]Key, 0, len(s.series))
	for k := range s.series {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductType != out[j].ProductType {
			return out[i].ProductType < out[j].ProductType
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// visibleIndex returns the index of the last bar with BarTime <= bartime,
// or -1 if none qualifies.
func (s *Static) visibleIndex(key Key) int {
	bars := s.series[key]
	idx := -1
	for i, b := range bars {
		if b.BarTime.After(s.bartime) {
			break
		}
		idx = i
	}
	return idx
}

func (s *Static) CurrentBar(productType, symbol string) (Bar, error) {
	key := Key{ProductType: productType, Symbol: symbol}
	if _, ok := s.series[key]; !ok {
		return Bar{}, xerrors.Wrap(xerrors.ErrUnknownSymbol, productType+"/"+symbol)
	}
	idx := s.visibleIndex(key)
	if idx < 0 {
		return Bar{}, xerrors.Wrap(xerrors.ErrNoMarketData, productType+"/"+symbol)
	}
	return s.series[key][idx], nil
}

func (s *Static) CurrentPrice(productType, symbol string) (decimal.Decimal, error) {
	b, err := s.CurrentBar(productType, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Close, nil
}

func (s *Static) PriorClose(productType, symbol string) (decimal.Decimal, error) {
	key := Key{ProductType: productType, Symbol: symbol}
	if _, ok := s.series[key]; !ok {
		return decimal.Zero, xerrors.Wrap(xerrors.ErrUnknownSymbol, productType+"/"+symbol)
	}
	idx := s.visibleIndex(key)
	if idx <= 0 {
		return decimal.Zero, xerrors.Wrap(xerrors.ErrNoMarketData, productType+"/"+symbol)
	}
	return s.series[key][idx-1].Close, nil
}

var _ Manager = (*Static)(nil)
