package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/xerrors"
)

func threeBars(t0 time.Time) []Bar {
	return []Bar{
		{BarTime: t0, Close: decimal.NewFromInt(10)},
		{BarTime: t0.Add(time.Hour), Close: decimal.NewFromInt(11)},
		{BarTime: t0.Add(2 * time.Hour), Close: decimal.NewFromInt(12)},
	}
}

func TestCurrentBarBeforeAnyLoadReturnsUnknownSymbol(t *testing.T) {
	s := NewStatic()
	_, err := s.CurrentBar("stock", "TEST")
	assert.ErrorIs(t, err, xerrors.ErrUnknownSymbol)
}

func TestCurrentBarBeforeBarTimeSetReturnsNoMarketData(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := NewStatic()
	s.Load("stock", "TEST", threeBars(t0))

	_, err := s.CurrentBar("stock", "TEST")
	assert.ErrorIs(t, err, xerrors.ErrNoMarketData)
}

func TestCurrentBarAdvancesWithBarTime(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := NewStatic()
	s.Load("stock", "TEST", threeBars(t0))

	s.SetBarTime(t0.Add(time.Hour))
	b, err := s.CurrentBar("stock", "TEST")
	require.NoError(t, err)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(11)))
}

func TestPriorCloseBeforeSecondBarIsNoMarketData(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := NewStatic()
	s.Load("stock", "TEST", threeBars(t0))

	s.SetBarTime(t0)
	_, err := s.PriorClose("stock", "TEST")
	assert.ErrorIs(t, err, xerrors.ErrNoMarketData)
}

func TestPriorCloseReturnsPrecedingBar(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := NewStatic()
	s.Load("stock", "TEST", threeBars(t0))

	s.SetBarTime(t0.Add(2 * time.Hour))
	prior, err := s.PriorClose("stock", "TEST")
	require.NoError(t, err)
	assert.True(t, prior.Equal(decimal.NewFromInt(11)))
}

func TestLoadSortsOutOfOrderBars(t *testing.T) {
	t0 := time.Unix(0, 0)
	bars := threeBars(t0)
	reversed := []Bar{bars[2], bars[0], bars[1]}

	s := NewStatic()
	s.Load("stock", "TEST", reversed)
	s.SetBarTime(t0.Add(2 * time.Hour))

	b, err := s.CurrentBar("stock", "TEST")
	require.NoError(t, err)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(12)), "load must sort by BarTime regardless of input order")
}

func TestSymbolsListsAllLoadedKeysSorted(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := NewStatic()
	s.Load("stock", "ZZZ", threeBars(t0))
	s.Load("stock", "AAA", threeBars(t0))

	keys := s.Symbols()
	require.Len(t, keys, 2)
	assert.Equal(t, "AAA", keys[0].Symbol)
	assert.Equal(t, "ZZZ", keys[1].Symbol)
}
