// Command runner is the CLI entrypoint that wires OMS, market data,
// exchange, broker, risk, portfolio, position, and the event pipeline
// into a single backtest run over a bar range. Grounded on the teacher's
// cmd/trader/main.go: flag-parsed run modes, a config path with
// mtime-polled hot reload behind an atomic.Value, and a pyroscope
// profiler bootstrap gated behind a flag rather than hardcoded off.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"github.com/rsheftel/runner/internal/broker"
	"github.com/rsheftel/runner/internal/chaos"
	"github.com/rsheftel/runner/internal/config"
	"github.com/rsheftel/runner/internal/event"
	"github.com/rsheftel/runner/internal/exchange"
	"github.com/rsheftel/runner/internal/marketdata"
	"github.com/rsheftel/runner/internal/obs"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/persistence"
	"github.com/rsheftel/runner/internal/portfolio"
	"github.com/rsheftel/runner/internal/position"
	"github.com/rsheftel/runner/internal/replay"
	"github.com/rsheftel/runner/internal/risk"
	"github.com/rsheftel/runner/internal/strategy"
	"github.com/rsheftel/runner/internal/strategy/examples"
	"github.com/rsheftel/runner/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON run config (required)")
	barsPath := flag.String("bars", "", "Path to JSON bar-fixture file (required)")
	start := flag.String("start", "", "Replay start bar time, RFC3339 (required)")
	end := flag.String("end", "", "Replay end bar time, RFC3339 (required)")
	freq := flag.Duration("freq", 24*time.Hour, "Spacing between replayed bar times")
	configReload := flag.Duration("config-reload-interval", 0, "Config reload poll interval (0=disable)")
	persistDriver := flag.String("persist", "memory", "Snapshot store: memory or postgres")
	pgHost := flag.String("pg-host", "localhost", "Postgres host")
	pgPort := flag.Int("pg-port", 5432, "Postgres port")
	pgUser := flag.String("pg-user", "", "Postgres user")
	pgPassword := flag.String("pg-password", "", "Postgres password")
	pgDatabase := flag.String("pg-database", "", "Postgres database")
	chaosSeed := flag.Int64("chaos-seed", 0, "Chaos engine seed (0=time-derived)")
	chaosDropRate := flag.Float64("chaos-drop-rate", 0, "Chaos ack drop rate [0,1]")
	profile := flag.Bool("profile", false, "Enable pyroscope continuous profiling")
	flag.Parse()

	if *configPath == "" || *barsPath == "" || *start == "" || *end == "" {
		logs.Errorf("-config, -bars, -start and -end are all required")
		os.Exit(1)
	}

	if *profile {
		if _, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "runner",
			ServerAddress:   "http://localhost:4040",
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseObjects,
			},
		}); err != nil {
			logs.Errorf("pyroscope start failed: %+v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed: %+v", err)
		os.Exit(1)
	}
	live := config.NewLive(cfg)
	if *configReload > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go live.Watch(*configPath, *configReload, stop, func(err error) {
			logs.Errorf("config reload failed: %+v", err)
		})
	}

	mdm, err := loadFixture(*barsPath)
	if err != nil {
		logs.Errorf("bar fixture load failed: %+v", err)
		os.Exit(1)
	}

	bars, err := barSequence(*start, *end, *freq)
	if err != nil {
		logs.Errorf("bar sequence build failed: %+v", err)
		os.Exit(1)
	}

	mgr := oms.New()
	pm := position.New(mgr, mdm)
	metrics := obs.NewMetrics()

	run := live.Current()

	xch := exchange.New(exchange.Params{
		FillMultiplier:   run.Exchange.FillMultiplier,
		StockFeePerShare: run.Exchange.StockFeePerShare,
		ProductFees:      run.Exchange.ProductFees,
	})
	brk := broker.New(mgr, xch)
	brk.SetMetrics(metrics)

	riskEngine := risk.NewEngine(mgr, mdm,
		risk.MarketClosedRule{},
		risk.MaxOrderQtyRule{MaxQty: run.Risk.MaxOrderQty},
		risk.MaxNotionalRule{MaxNotional: run.Risk.MaxOrderNotional},
		risk.PositionLimitRule{MaxPosition: run.Risk.MaxPosition},
	)
	riskEngine.SetMetrics(metrics)

	portfolios := make(map[string]*portfolio.Portfolio, len(run.Portfolios))
	orderedPortfolios := make([]*portfolio.Portfolio, 0, len(run.Portfolios))
	for _, pc := range run.Portfolios {
		p := portfolio.New(pc.ID, mgr, pm, mdm)
		p.EnableCrossing = pc.EnableCrossing
		portfolios[pc.ID] = p
		orderedPortfolios = append(orderedPortfolios, p)
	}

	for _, sc := range run.Strategies {
		p, ok := portfolios[sc.Portfolio]
		if !ok {
			logs.Errorf("strategy %q references unknown portfolio %q", sc.ID, sc.Portfolio)
			os.Exit(1)
		}
		s := examples.NewTargetPosition(sc.ID, sc.Portfolio, sc.ProductType, sc.Symbol)
		s.SetParameters(sc.Parameters)
		p.BindStrategy(s)
	}

	persist, closeStore, err := buildStore(*persistDriver, conn.Option{
		Host: *pgHost, Port: *pgPort, User: *pgUser, Password: *pgPassword, Database: *pgDatabase,
	})
	if err != nil {
		logs.Errorf("persistence store init failed: %+v", err)
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	proc := event.New(event.Config{
		OMS: mgr, MarketData: mdm, Exchange: xch, Broker: brk,
		Risk: riskEngine, Positions: pm, Portfolios: orderedPortfolios,
		Source: run.Source, Persist: persist,
	})
	proc.SetMetrics(metrics)

	bridgeFor := makeBridgeFactory(mgr, brk, pm, mdm, portfolios)

	runner := replay.New(proc, bridgeFor)
	if *chaosDropRate > 0 {
		engine, err := chaos.NewEngine(chaos.Config{Seed: *chaosSeed, DropRate: *chaosDropRate, ReorderWindow: 1})
		if err != nil {
			logs.Errorf("chaos engine init failed: %+v", err)
			os.Exit(1)
		}
		runner = runner.WithChaos(engine)
	}

	if err := runner.Run(bars); err != nil {
		logs.Errorf("run failed: %+v", err)
		os.Exit(1)
	}

	snap := metrics.Snapshot()
	logs.Infof("run complete: bars=%d states=%v risk_rejects=%v stuck=%d bar_latency=%+v",
		len(bars), snap.StateCounts, snap.RiskRejectCounts, snap.StuckOrders, snap.BarLatency)
}

// makeBridgeFactory builds each strategy's Bridge with mutation entry
// points closed over its owning Portfolio and the shared Broker,
// forming strategy.Bridge's non-owning capability set: a
// strategy can author/cancel/replace orders and declare intents, but
// never reaches into OMS/Broker internals directly.
func makeBridgeFactory(mgr *oms.OrderManager, brk *broker.PaperBroker, pm *position.Manager, mdm marketdata.Manager, portfolios map[string]*portfolio.Portfolio) replay.BridgeFactory {
	traceGen := obs.NewTraceGenerator(0)

	return func(s strategy.Strategy) *strategy.Bridge {
		p := portfolios[s.PortfolioID()]

		orderFn := func(productType, symbol string, side order.Side, qty decimal.Decimal, typ order.Type, details map[string]decimal.Decimal) (string, error) {
			o, err := mgr.NewOrder(s.ID(), s.ID(), productType, symbol, side, qty, typ, details, mdm.CurrentBarTime())
			if err != nil {
				return "", err
			}
			o.SetStrategy(s.ID(), s.ID())
			logs.Debugf("order intent trace=%d uuid=%s strategy=%s %s %s %s@%s", traceGen.Next(), o.UUID(), s.ID(), side, qty.String(), symbol, productType)
			return o.UUID(), nil
		}
		cancelFn := func(uuid string) error {
			o, err := mgr.Order(uuid)
			if err != nil {
				return err
			}
			return brk.Cancel(o, mdm.CurrentBarTime())
		}
		replaceFn := func(uuid string, qty decimal.Decimal, details map[string]decimal.Decimal) error {
			o, err := mgr.Order(uuid)
			if err != nil {
				return err
			}
			return brk.Replace(o, qty, details, mdm.CurrentBarTime())
		}

		intentFn := func(productType, symbol string, target decimal.Decimal) {
			p.SetIntent(s.ID(), productType, symbol, target)
		}
		getIntentFn := func(productType, symbol string) (strategy.Intent, bool) {
			return p.GetIntent(s.ID(), productType, symbol)
		}

		return strategy.NewBridge(mgr, pm, mdm, s.ID(), s.PortfolioID(), orderFn, cancelFn, replaceFn, intentFn, getIntentFn)
	}
}

func loadFixture(path string) (marketdata.Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixture struct {
		Series []struct {
			ProductType string           `json:"productType"`
			Symbol      string           `json:"symbol"`
			Bars        []marketdata.Bar `json:"bars"`
		} `json:"series"`
	}
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, err
	}
	mdm := marketdata.NewStatic()
	for _, s := range fixture.Series {
		mdm.Load(s.ProductType, s.Symbol, s.Bars)
	}
	return mdm, nil
}

func barSequence(startStr, endStr string, freq time.Duration) ([]time.Time, error) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return nil, err
	}
	if freq <= 0 {
		return nil, fmt.Errorf("bar sequence: -freq must be > 0")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("bar sequence: -end must not precede -start")
	}
	out := make([]time.Time, 0)
	for t := start; !t.After(end); t = t.Add(freq) {
		out = append(out, t)
	}
	return out, nil
}

func buildStore(driver string, pgOpt conn.Option) (event.Persister, func(), error) {
	switch driver {
	case "memory":
		return persistence.NewMemory(), nil, nil
	case "postgres":
		client, err := conn.New(pgOpt)
		if err != nil {
			return nil, nil, err
		}
		store, err := newPostgresStore(client.DB())
		if err != nil {
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown -persist driver %q", driver)
	}
}

func newPostgresStore(db *gorm.DB) (*persistence.Postgres, error) {
	return persistence.NewPostgres(db)
}
