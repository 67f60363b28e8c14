package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ResolutionError means a symbol could not be mapped to a broker instrument.
type ResolutionError struct {
	Symbol string
	Broker string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s on %s: %v", e.Symbol, e.Broker, e.Err)
	}
	return fmt.Sprintf("resolve %s on %s: no instrument found", e.Symbol, e.Broker)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// UnsupportedCapabilityError means the active broker cannot serve the
// requested order type or feature. Raised before any network call.
type UnsupportedCapabilityError struct {
	Broker     string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("broker %s does not support %s", e.Broker, e.Capability)
}

// InsufficientBudgetError means the local reservation failed. Recoverable:
// the caller may skip the signal this cycle.
type InsufficientBudgetError struct {
	StrategyID string
	Symbol     string
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("strategy %s: requested %s, available %s (%s)",
		e.StrategyID, e.Requested, e.Available, e.Symbol)
}

// RateLimitExceededError means bounded backoff was exhausted.
type RateLimitExceededError struct {
	Broker   string
	Attempts int
	Err      error
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("broker %s rate limited after %d attempts: %v", e.Broker, e.Attempts, e.Err)
}

func (e *RateLimitExceededError) Unwrap() error { return e.Err }

// AmbiguousOrderOutcomeError means a submission's true state is unknown
// (e.g. timeout after the request left the process). Further orders on the
// same strategy/symbol are blocked until an existence check resolves it.
type AmbiguousOrderOutcomeError struct {
	ClientOrderID string
	Symbol        string
	Err           error
}

func (e *AmbiguousOrderOutcomeError) Error() string {
	return fmt.Sprintf("order %s (%s): outcome unknown: %v", e.ClientOrderID, e.Symbol, e.Err)
}

func (e *AmbiguousOrderOutcomeError) Unwrap() error { return e.Err }

// TradingHaltedError means sustained unresolved drift tripped the halt
// condition; no further submissions are accepted until it clears.
type TradingHaltedError struct {
	Reason string
}

func (e *TradingHaltedError) Error() string {
	return fmt.Sprintf("trading halted: %s", e.Reason)
}
