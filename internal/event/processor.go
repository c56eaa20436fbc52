// Package event implements the EventProcessor: the single-bar
// orchestrator that invokes every other component in the fixed order
// spec.md §4.8 lays out. It generalizes the teacher's cmd/trader
// runRecord loop (config -> risk engine -> gateway -> publish, all
// synchronous and single-threaded per event) into the fourteen-step,
// multi-portfolio pipeline the trading core requires.
package event

import (
	"fmt"
	"time"

	"github.com/rsheftel/runner/internal/broker"
	"github.com/rsheftel/runner/internal/exchange"
	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/obs"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/portfolio"
	"github.com/rsheftel/runner/internal/position"
	"github.com/rsheftel/runner/internal/risk"
	"github.com/rsheftel/runner/internal/strategy"
	"github.com/rsheftel/runner/internal/xerrors"
)

// transientStates is the partition the stuck-order check watches: any
// order here at the top of a bar that was already here at the top of
// the prior bar is a protocol violation (spec.md §4.8 step 14).
var transientStates = []order.State{
	order.CancelRequested, order.CancelSent,
	order.ReplaceRequested, order.ReplaceSent,
}

// Persister is the narrow slice of internal/persistence.Store the
// EventProcessor needs at end of day.
type Persister interface {
	SaveOrders(source string, ts time.Time, orders []*order.Order) error
	SavePositions(source string, ts time.Time, positions []position.Row) error
}

// Health tracks per-strategy callback failures so a panicking or
// erroring strategy is quarantined for the rest of the run day and
// re-enabled at the next begin-of-day (spec.md §7 propagation rule).
type Health struct {
	unhealthy map[string]bool
}

func newHealth() *Health { return &Health{unhealthy: make(map[string]bool)} }

func (h *Health) markUnhealthy(id string) { h.unhealthy[id] = true }

func (h *Health) isHealthy(id string) bool { return !h.unhealthy[id] }

func (h *Health) reset() { h.unhealthy = make(map[string]bool) }

// Processor is the per-bar orchestrator. One Processor drives one run:
// N portfolios (each with its own bound strategies), one shared OMS,
// exchange, broker, risk engine, market-data manager and position
// manager.
type Processor struct {
	mgr        *oms.OrderManager
	mdm        marketdata.Manager
	xch        *exchange.PaperExchange
	brk        *broker.PaperBroker
	riskEngine *risk.Engine
	pm         *position.Manager
	portfolios []*portfolio.Portfolio
	source     string
	persist    Persister
	strict     bool
	isEndOfDay func(time.Time) bool

	health      *Health
	lastBarDate string
	marketOpen  bool

	metrics *obs.Metrics
}

// SetMetrics attaches a metrics sink. Optional; a nil sink (the default)
// makes every Metrics method a no-op.
func (p *Processor) SetMetrics(m *obs.Metrics) { p.metrics = m }

func (p *Processor) timeStep(step obs.Step, fn func()) {
	start := time.Now()
	fn()
	p.metrics.ObserveStep(step, time.Since(start))
}

// Config bundles the wired components a Processor drives.
type Config struct {
	OMS        *oms.OrderManager
	MarketData marketdata.Manager
	Exchange   *exchange.PaperExchange
	Broker     *broker.PaperBroker
	Risk       *risk.Engine
	Positions  *position.Manager
	Portfolios []*portfolio.Portfolio
	Source     string
	Persist    Persister
	// Strict is stored on the Processor but RunBar does not read it: an
	// InvalidTransition (or any other error) from a pipeline step is
	// returned at once, ending the bar, whatever Strict is set to.
	Strict bool
	// IsEndOfDay reports whether ts is the last bar of its trading day.
	// Defaults to treating every bar as end-of-day, which is correct for
	// daily-frequency runs; intraday runners should supply a
	// schedule-aware policy.
	IsEndOfDay func(ts time.Time) bool
}

// New constructs a Processor from cfg.
func New(cfg Config) *Processor {
	isEndOfDay := cfg.IsEndOfDay
	if isEndOfDay == nil {
		isEndOfDay = func(time.Time) bool { return true }
	}
	return &Processor{
		mgr:        cfg.OMS,
		mdm:        cfg.MarketData,
		xch:        cfg.Exchange,
		brk:        cfg.Broker,
		riskEngine: cfg.Risk,
		pm:         cfg.Positions,
		portfolios: cfg.Portfolios,
		source:     cfg.Source,
		persist:    cfg.Persist,
		strict:     cfg.Strict,
		isEndOfDay: isEndOfDay,
		health:     newHealth(),
	}
}

func (p *Processor) allStrategies() []strategy.Strategy {
	out := make([]strategy.Strategy, 0)
	for _, folio := range p.portfolios {
		out = append(out, folio.Strategies()...)
	}
	return out
}

// call invokes fn for a strategy, quarantining it on error rather than
// aborting the pipeline (spec.md §7: "strategy callback exceptions
// abort that strategy's contribution... but do not abort the pipeline").
func (p *Processor) call(s strategy.Strategy, fn func() error) {
	if !p.health.isHealthy(s.ID()) {
		return
	}
	if err := safeCall(fn); err != nil {
		p.health.markUnhealthy(s.ID())
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy callback panicked: %v", r)
		}
	}()
	return fn()
}

// RunBar executes the fourteen-step pipeline for bar time ts.
func (p *Processor) RunBar(ts time.Time, bridgeFor func(s strategy.Strategy) *strategy.Bridge) error {
	barStart := time.Now()
	defer func() { p.metrics.ObserveBar(time.Since(barStart)) }()

	dateKey := ts.UTC().Format("2006-01-02")
	newDay := p.lastBarDate != "" && dateKey != p.lastBarDate
	firstBar := p.lastBarDate == ""
	p.timeStep(obs.StepBeginOfDay, func() {
		if newDay || firstBar {
			p.health.reset()
			for _, s := range p.allStrategies() {
				p.call(s, func() error { return s.OnBeginOfDay(ts, bridgeFor(s)) })
			}
		}
	})

	wasOpen := p.marketOpen
	p.marketOpen = true // paper venue trades every bar it is given data for
	p.timeStep(obs.StepMarketOpen, func() {
		if p.marketOpen && !wasOpen {
			for _, s := range p.allStrategies() {
				p.call(s, func() error { return s.OnMarketOpen(ts, bridgeFor(s)) })
			}
		}
	})

	p.timeStep(obs.StepMarketDataUpdate, func() {
		p.mdm.SetBarTime(ts)
		for _, folio := range p.portfolios {
			for _, pt := range productTypesOf(p.mdm) {
				folio.SetMarketOpen(pt, p.marketOpen)
			}
		}
	})

	p.timeStep(obs.StepOnBar, func() {
		for _, s := range p.allStrategies() {
			p.call(s, func() error { return s.OnBar(ts, bridgeFor(s)) })
		}
	})

	var err error
	p.timeStep(obs.StepPortfolioProcessOrders, func() {
		for _, folio := range p.portfolios {
			if err = folio.ProcessOrders(ts); err != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}

	p.timeStep(obs.StepRiskEvaluate, func() {
		for _, folio := range p.portfolios {
			if err = p.riskEngine.ProcessPortfolioOrders(folio, ts); err != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}

	p.timeStep(obs.StepBrokerSend, func() { err = p.brk.SendOrders(ts) })
	if err != nil {
		return err
	}

	p.timeStep(obs.StepExchangeProcess, func() { p.xch.ProcessOrders(p.mdm) })

	p.timeStep(obs.StepBrokerFills, func() { err = p.brk.ProcessFills(ts) })
	if err != nil {
		return err
	}

	p.timeStep(obs.StepBookFills, func() { err = p.pm.BookFills() })
	if err != nil {
		return err
	}

	filled := p.mgr.OrdersList(oms.Filter{State: order.Filled, HasState: true})
	canceled := p.mgr.OrdersList(oms.Filter{State: order.Canceled, HasState: true})
	newFilled := filterNewThisBar(filled, ts)
	newCanceled := filterNewThisBar(canceled, ts)
	p.timeStep(obs.StepStrategyCallbacks, func() {
		for _, s := range p.allStrategies() {
			strategyFilled := filterByStrategy(newFilled, s.ID())
			strategyCanceled := filterByStrategy(newCanceled, s.ID())
			if len(strategyFilled) > 0 {
				p.call(s, func() error { return s.OnFills(ts, strategyFilled, bridgeFor(s)) })
			}
			if len(strategyCanceled) > 0 {
				p.call(s, func() error { return s.OnCancels(ts, strategyCanceled, bridgeFor(s)) })
			}
		}
	})

	p.timeStep(obs.StepUpdatePnL, func() { p.pm.UpdatePnL() })

	endOfDay := p.isEndOfDay(ts)
	if endOfDay {
		p.timeStep(obs.StepEndOfDay, func() {
			for _, s := range p.allStrategies() {
				p.call(s, func() error { return s.OnMarketClose(ts, bridgeFor(s)) })
			}
			for _, s := range p.allStrategies() {
				p.call(s, func() error { return s.OnEndOfDay(ts, bridgeFor(s)) })
			}
			if p.persist != nil {
				if persistErr := p.persistSnapshot(ts); persistErr != nil {
					err = xerrors.Wrap(xerrors.ErrPersistence, persistErr.Error())
					return
				}
			}
			p.pm.RollSession()
		})
		if err != nil {
			return err
		}
	}

	p.lastBarDate = dateKey

	var stuckErr error
	p.timeStep(obs.StepStuckOrderCheck, func() { stuckErr = p.checkStuckOrders(ts) })
	if stuckErr != nil {
		p.metrics.IncStuckOrder()
	}
	return stuckErr
}

func (p *Processor) persistSnapshot(ts time.Time) error {
	orders := p.mgr.OrdersList(oms.Filter{})
	if err := p.persist.SaveOrders(p.source, ts, orders); err != nil {
		return err
	}
	return p.persist.SavePositions(p.source, ts, p.pm.PositionsDF())
}

// checkStuckOrders enforces spec.md §4.8 step 14: no order may remain in
// a transient state across more than one bar.
func (p *Processor) checkStuckOrders(ts time.Time) error {
	for _, st := range transientStates {
		for _, o := range p.mgr.OrdersList(oms.Filter{State: st, HasState: true}) {
			history := o.StateHistory()
			if len(history) == 0 {
				continue
			}
			last := history[len(history)-1]
			if last.Timestamp.Before(ts) {
				return xerrors.Wrap(xerrors.ErrStuckOrder, o.UUID())
			}
		}
	}
	return nil
}

func filterNewThisBar(orders []*order.Order, ts time.Time) []*order.Order {
	out := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		history := o.StateHistory()
		if len(history) == 0 {
			continue
		}
		if history[len(history)-1].Timestamp.Equal(ts) {
			out = append(out, o)
		}
	}
	return out
}

func filterByStrategy(orders []*order.Order, strategyID string) []*order.Order {
	out := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if o.StrategyID() == strategyID {
			out = append(out, o)
		}
	}
	return out
}

func productTypesOf(mdm marketdata.Manager) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, k := range mdm.Symbols() {
		if !seen[k.ProductType] {
			seen[k.ProductType] = true
			out = append(out, k.ProductType)
		}
	}
	return out
}
