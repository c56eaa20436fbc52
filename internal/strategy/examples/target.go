// Package examples provides small reference Strategy implementations
// the runner can bind by name from config, in place of a plugin loader.
// Grounded on chycee-CryptoGo's market-update-driven strategy shape:
// react to OnBar, declare intent, let Portfolio/Risk/Broker do the rest.
package examples

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/strategy"
)

// TargetPosition is a minimal strategy that holds a constant target
// position in one symbol, sized by its "target_quantity" parameter. It
// exists to give the runner a concrete Strategy to bind without
// requiring a plugin system.
type TargetPosition struct {
	strategy.Base
	productType string
	symbol      string
}

// NewTargetPosition constructs a strategy tracking one symbol.
func NewTargetPosition(id, portfolioID, productType, symbol string) *TargetPosition {
	s := &TargetPosition{productType: productType, symbol: symbol}
	s.StrategyIDValue = id
	s.PortfolioIDValue = portfolioID
	s.Symbols = []strategy.SymbolSubscription{{ProductType: productType, Symbol: symbol, Frequency: "1d"}}
	return s
}

// OnBar declares the configured target position every bar; Portfolio's
// intent materialization only emits an order when the delta from current
// position is nonzero, so a steady-state target produces no order churn.
func (s *TargetPosition) OnBar(_ time.Time, b *strategy.Bridge) error {
	target, ok := s.Params["target_quantity"]
	if !ok {
		target = decimal.Zero
	}
	b.Intent(s.productType, s.symbol, target)
	return nil
}
