// Package config implements the Runner's typed JSON configuration file
// plus file-mtime hot reload. Grounded on the teacher's
// internal/ops/config.go (FileConfig/Load, JSON-tagged struct mirroring
// the file layout) and the watchConfig polling loop in
// cmd/trader/main.go (stat-and-compare-mtime, atomic.Value swap),
// retargeted from the teacher's registry/order/feature-flag shape onto
// this engine's risk limits, exchange fee schedule, and portfolio/
// strategy wiring.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/yanun0323/decimal"
)

// RiskConfig mirrors one risk.Rule's static parameters. A zero value for
// a limit means "unbounded" (the rule it backs becomes a no-op), the
// same convention internal/risk's rule constructors use.
type RiskConfig struct {
	MaxOrderQty      decimal.Decimal `json:"maxOrderQty"`
	MaxOrderNotional decimal.Decimal `json:"maxOrderNotional"`
	MaxPosition      decimal.Decimal `json:"maxPosition"`
}

// ExchangeConfig mirrors exchange.Params.
type ExchangeConfig struct {
	FillMultiplier   decimal.Decimal            `json:"fillMultiplier"`
	StockFeePerShare decimal.Decimal            `json:"stockFeePerShare"`
	ProductFees      map[string]decimal.Decimal `json:"productFees"`
}

// StrategyConfig names a strategy to bind and the portfolio it belongs
// to, plus its free-form parameter set (forwarded to SetParameters).
type StrategyConfig struct {
	ID          string                     `json:"id"`
	Portfolio   string                     `json:"portfolio"`
	ProductType string                     `json:"productType"`
	Symbol      string                     `json:"symbol"`
	Parameters  map[string]decimal.Decimal `json:"parameters"`
}

// PortfolioConfig names a portfolio and whether it crosses opposing
// staged orders internally before sending to Risk.
type PortfolioConfig struct {
	ID             string `json:"id"`
	EnableCrossing bool   `json:"enableCrossing"`
}

// FileConfig mirrors the on-disk JSON layout.
type FileConfig struct {
	Source       string            `json:"source"`
	Risk         RiskConfig        `json:"risk"`
	Exchange     ExchangeConfig    `json:"exchange"`
	Portfolios   []PortfolioConfig `json:"portfolios"`
	Strategies   []StrategyConfig  `json:"strategies"`
}

// Load reads and parses a JSON config file.
func Load(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// Validate checks the minimum shape needed for a runnable config.
func (c FileConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("config: source is empty")
	}
	if len(c.Portfolios) == 0 {
		return fmt.Errorf("config: at least one portfolio is required")
	}
	seen := make(map[string]bool, len(c.Portfolios))
	for _, p := range c.Portfolios {
		if p.ID == "" {
			return fmt.Errorf("config: portfolio id is empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate portfolio id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("config: strategy id is empty")
		}
		if !seen[s.Portfolio] {
			return fmt.Errorf("config: strategy %q references unknown portfolio %q", s.ID, s.Portfolio)
		}
	}
	return nil
}

// Live is a hot-reloadable config handle: one atomic.Value swapped
// whole on each successful reload, read lock-free via Current().
// cmd/runner reads Current() once at startup, so a reload after that
// does not reach the components already built from it.
type Live struct {
	v atomic.Value
}

// NewLive wraps an already-loaded config for hot reload.
func NewLive(initial FileConfig) *Live {
	l := &Live{}
	l.v.Store(initial)
	return l
}

// Current returns the most recently loaded config.
func (l *Live) Current() FileConfig {
	return l.v.Load().(FileConfig)
}

// Watch polls path for mtime changes every interval and swaps in a
// freshly parsed config on change, until stop is closed. Parse failures
// are reported via onError and leave the previous config in place,
// mirroring the teacher's watchConfig: a bad edit degrades to "stale
// config", never "no config".
func (l *Live) Watch(path string, interval time.Duration, stop <-chan struct{}, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			l.v.Store(cfg)
			lastMod = info.ModTime()
		}
	}
}
