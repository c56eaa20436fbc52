// Package replay drives event.Processor.RunBar over an ordered sequence
// of bar times, the harness integration tests and the runner's backtest
// mode both use to feed a run from start to end. Grounded on the
// teacher's cmd/tools/replay (a WAL-file player that calls a callback
// per decoded event, optionally pacing by ts_recv) and recorder.Playback's
// Clock abstraction, replaced here by a bar-time iterator since this
// repo replays bar history rather than a binary WAL.
package replay

import (
	"fmt"
	"sort"
	"time"

	"github.com/rsheftel/runner/internal/chaos"
	"github.com/rsheftel/runner/internal/event"
	"github.com/rsheftel/runner/internal/strategy"
)

// BridgeFactory resolves the per-strategy capability handle for a bar,
// mirroring the bridgeFor parameter RunBar itself takes.
type BridgeFactory func(s strategy.Strategy) *strategy.Bridge

// Runner replays a fixed, sorted sequence of bar times against one
// Processor.
type Runner struct {
	proc      *event.Processor
	bridgeFor BridgeFactory
	chaos     *chaos.Engine

	// AckDelays records chaos-delayed ack headers produced while
	// replaying, for assertions in chaos-fault integration tests.
	AckDelays []chaos.Event
}

// New constructs a Runner driving proc. bridgeFor resolves the
// capability handle a strategy receives for each bar.
func New(proc *event.Processor, bridgeFor BridgeFactory) *Runner {
	return &Runner{proc: proc, bridgeFor: bridgeFor}
}

// WithChaos attaches a fault-injection engine. When set, Run feeds one
// synthetic ack event per bar (its timestamp) through the engine after
// RunBar completes, exercising drop/duplicate/delay handling on the ack
// timeline independently of the deterministic order/fill pipeline
// itself.
func (r *Runner) WithChaos(engine *chaos.Engine) *Runner {
	r.chaos = engine
	return r
}

// Run replays bars in ascending time order, stopping at the first
// error. Duplicate timestamps are rejected as a caller bug, not
// silently collapsed.
func (r *Runner) Run(bars []time.Time) error {
	sorted := make([]time.Time, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Equal(sorted[i-1]) {
			return fmt.Errorf("replay: duplicate bar time %s", sorted[i].Format(time.RFC3339Nano))
		}
	}

	for _, ts := range sorted {
		if err := r.proc.RunBar(ts, r.bridgeFor); err != nil {
			return err
		}
		if r.chaos != nil {
			ack := chaos.Event{Header: chaos.Header{EventTime: ts.UnixNano()}}
			for _, out := range r.chaos.Process(ack) {
				if out.Header.RecvTime > out.Header.EventTime {
					r.AckDelays = append(r.AckDelays, out)
				}
			}
		}
	}
	if r.chaos != nil {
		for _, out := range r.chaos.Flush() {
			if out.Header.RecvTime > out.Header.EventTime {
				r.AckDelays = append(r.AckDelays, out)
			}
		}
	}
	return nil
}
