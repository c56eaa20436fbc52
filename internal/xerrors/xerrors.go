// Package xerrors collects the error taxonomy shared by the order
// pipeline: invalid transitions, duplicate identity, missing market data,
// stuck orders and persistence failures. Call sites wrap these sentinels
// with context via Wrap instead of inventing new error strings.
package xerrors

import "github.com/yanun0323/errors"

var (
	// ErrInvalidTransition is returned when a state change is not a
	// permitted edge of the order state machine.
	ErrInvalidTransition = errors.New("order: invalid state transition")

	// ErrDuplicateUUID is returned when the OrderManager already holds
	// an order with the given UUID.
	ErrDuplicateUUID = errors.New("oms: duplicate order uuid")

	// ErrUnknownOrder is returned when an order UUID has no match in the
	// OrderManager.
	ErrUnknownOrder = errors.New("oms: unknown order")

	// ErrUnknownSymbol is returned when a component is asked to act on
	// a product/symbol pair the market-data manager does not track.
	ErrUnknownSymbol = errors.New("marketdata: unknown symbol")

	// ErrNoMarketData is returned when a bar is requested for a tracked
	// symbol but no bar exists at the current bartime.
	ErrNoMarketData = errors.New("marketdata: no bar for bartime")

	// ErrStuckOrder is returned when an order remains in a transient
	// state across more than one bar.
	ErrStuckOrder = errors.New("event: stuck order detected")

	// ErrPersistence is returned when saving or loading orders or
	// positions fails.
	ErrPersistence = errors.New("persistence: operation failed")

	// ErrMarketClosed names the closed-market case. internal/risk does
	// not return it: MarketClosedRule reports "market_closed" as a
	// Verdict reason and the order moves to RISK_REJECTED.
	ErrMarketClosed = errors.New("risk: market closed")
)

// Wrap attaches call-site context to err, generalizing the teacher's
// per-package sentinel-var convention (pkg/exception) into one taxonomy
// shared across order/oms/event.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
