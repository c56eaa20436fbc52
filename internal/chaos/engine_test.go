package chaos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := NewEngine(Config{DropRate: 2})
	assert.Error(t, err)

	_, err = NewEngine(Config{DuplicateRate: -1})
	assert.Error(t, err)

	_, err = NewEngine(Config{MaxDelay: -time.Second})
	assert.Error(t, err)
}

func TestNewEngineDefaultsReorderWindow(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1})
	require.NoError(t, err)
	out := e.Process(Event{Header: Header{EventTime: 1}})
	require.Len(t, out, 1, "a reorder window of 1 must pass events straight through")
}

func TestDropRateOneDropsEverything(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DropRate: 1})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		out := e.Process(Event{Header: Header{EventTime: int64(i)}})
		assert.Nil(t, out)
	}
}

func TestDuplicateRateOneDuplicatesEverything(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DuplicateRate: 1})
	require.NoError(t, err)
	out := e.Process(Event{Header: Header{EventTime: 1}})
	assert.Len(t, out, 2)
}

func TestReorderWindowBuffersUntilFull(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, ReorderWindow: 3})
	require.NoError(t, err)

	out := e.Process(Event{Header: Header{EventTime: 1}})
	assert.Nil(t, out, "buffer below window size yields no output yet")
	out = e.Process(Event{Header: Header{EventTime: 2}})
	assert.Nil(t, out)
	out = e.Process(Event{Header: Header{EventTime: 3}})
	assert.Len(t, out, 1, "window fills on the third event and releases one")
}

func TestFlushDrainsAllBufferedEvents(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, ReorderWindow: 5})
	require.NoError(t, err)

	e.Process(Event{Header: Header{EventTime: 1}})
	e.Process(Event{Header: Header{EventTime: 2}})
	e.Process(Event{Header: Header{EventTime: 3}})

	out := e.Flush()
	assert.Len(t, out, 3, "flush must release every buffered event")
	assert.Empty(t, e.pending)
}

func TestApplyDelayShiftsRecvTimeWithinBound(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, MaxDelay: time.Second})
	require.NoError(t, err)

	ev := Event{Header: Header{EventTime: 100, RecvTime: 100}}
	out := e.applyDelay(ev)
	assert.GreaterOrEqual(t, out.Header.RecvTime, int64(100))
	assert.LessOrEqual(t, out.Header.RecvTime, int64(100)+time.Second.Nanoseconds())
}

func TestNilEnginePassesEventsThrough(t *testing.T) {
	var e *Engine
	ev := Event{Header: Header{EventTime: 42}}
	out := e.Process(ev)
	require.Len(t, out, 1)
	assert.Equal(t, ev, out[0])
}
