package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rsheftel/runner/internal/order"
)

// maxState sizes the fixed state-count array off the highest State
// constant, replacing the teacher's maxEventType/maxRiskReason sizing
// (which was keyed off the deleted schema package) with a bound off
// order.State instead.
const maxState = int(order.ReplaceSent)

// Step names one of the fourteen per-bar pipeline stages that RunBar
// executes, used to key StepLatency.
type Step uint8

const (
	StepBeginOfDay Step = iota
	StepMarketOpen
	StepMarketDataUpdate
	StepOnBar
	StepPortfolioProcessOrders
	StepRiskEvaluate
	StepBrokerSend
	StepExchangeProcess
	StepBrokerFills
	StepBookFills
	StepStrategyCallbacks
	StepUpdatePnL
	StepEndOfDay
	StepStuckOrderCheck
	maxStep
)

// Metrics collects per-state transition counts, risk-rejection reason
// counts, and per-step bar latency. It re-themes the teacher's
// event-type/risk-reason counters onto the order-state/pipeline-step
// vocabulary this engine produces, keeping the same
// fixed-array-plus-atomics shape for the dense counters and a map only
// for the open-ended risk-reason set.
type Metrics struct {
	stateCounts       [maxState + 1]uint64
	riskRejectCounts  map[string]*uint64
	riskRejectMu      sync.Mutex
	stuckOrders       uint64
	invalidTransition uint64

	stepLatency [maxStep]LatencyStats
	barLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	StateCounts       map[order.State]uint64
	RiskRejectCounts  map[string]uint64
	StuckOrders       uint64
	InvalidTransition uint64
	StepLatency       map[Step]LatencySnapshot
	BarLatency        LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{riskRejectCounts: make(map[string]*uint64)}
}

// ObserveStateChange increments the counter for an order entering state s.
func (m *Metrics) ObserveStateChange(s order.State) {
	if m == nil {
		return
	}
	idx := int(s)
	if idx >= 0 && idx < len(m.stateCounts) {
		atomic.AddUint64(&m.stateCounts[idx], 1)
	}
}

// IncRiskReject increments the counter for a named risk rejection reason,
// keyed by risk.Rule.Name() rather than the teacher's closed
// schema.RiskReason enum.
func (m *Metrics) IncRiskReject(reason string) {
	if m == nil {
		return
	}
	m.riskRejectMu.Lock()
	counter, ok := m.riskRejectCounts[reason]
	if !ok {
		counter = new(uint64)
		m.riskRejectCounts[reason] = counter
	}
	m.riskRejectMu.Unlock()
	atomic.AddUint64(counter, 1)
}

// IncStuckOrder records a detected stuck order.
func (m *Metrics) IncStuckOrder() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.stuckOrders, 1)
}

// IncInvalidTransition records a rejected state transition attempt.
func (m *Metrics) IncInvalidTransition() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.invalidTransition, 1)
}

// ObserveStep measures one pipeline step's duration within a bar.
func (m *Metrics) ObserveStep(step Step, d time.Duration) {
	if m == nil || step >= maxStep {
		return
	}
	m.stepLatency[step].Observe(d)
}

// ObserveBar measures one full bar's end-to-end duration.
func (m *Metrics) ObserveBar(d time.Duration) {
	if m == nil {
		return
	}
	m.barLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	stateCounts := make(map[order.State]uint64)
	for i := range m.stateCounts {
		if v := atomic.LoadUint64(&m.stateCounts[i]); v > 0 {
			stateCounts[order.State(i)] = v
		}
	}

	m.riskRejectMu.Lock()
	riskCounts := make(map[string]uint64, len(m.riskRejectCounts))
	for reason, counter := range m.riskRejectCounts {
		if v := atomic.LoadUint64(counter); v > 0 {
			riskCounts[reason] = v
		}
	}
	m.riskRejectMu.Unlock()

	stepLatency := make(map[Step]LatencySnapshot, maxStep)
	for i := Step(0); i < maxStep; i++ {
		stepLatency[i] = m.stepLatency[i].Snapshot()
	}

	return Snapshot{
		StateCounts:       stateCounts,
		RiskRejectCounts:  riskCounts,
		StuckOrders:       atomic.LoadUint64(&m.stuckOrders),
		InvalidTransition: atomic.LoadUint64(&m.invalidTransition),
		StepLatency:       stepLatency,
		BarLatency:        m.barLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
