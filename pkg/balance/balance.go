// Package balance queries public blockchain services for the balance of a
// Bitcoin address.
//
// Every service is wrapped as a Backend whose Lookup never fails with a Go
// error: transport problems, throttling and unexpected payloads are folded
// into the returned Result so callers can decide whether to fall back to
// another service.
package balance

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Outcome classifies a single balance lookup.
type Outcome string

const (
	// OutcomeBalance means the service answered with a definite balance,
	// which may be zero.
	OutcomeBalance Outcome = "balance"

	// OutcomeNotFound means the service does not know the address.
	OutcomeNotFound Outcome = "not_found"

	// OutcomeError covers transport failures, timeouts, unexpected status
	// codes and malformed responses.
	OutcomeError Outcome = "error"

	// OutcomeRateLimited means the service refused the request because of
	// throttling.
	OutcomeRateLimited Outcome = "rate_limited"
)

// Result is the answer of one backend for one address.
type Result struct {
	Backend string         `json:"backend"`
	Outcome Outcome        `json:"outcome"`
	Amount  btcutil.Amount `json:"amount,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Latency time.Duration  `json:"latency,omitempty"`
}

// Succeeded reports whether the service gave a usable answer.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeBalance || r.Outcome == OutcomeNotFound
}

// Positive reports whether the address holds funds.
func (r Result) Positive() bool {
	return r.Outcome == OutcomeBalance && r.Amount > 0
}

// Backend looks up address balances against one service.
//
// Implementations must be safe for concurrent use and must bound every call
// with their own timeout.
type Backend interface {
	Name() string
	Lookup(ctx context.Context, address string) Result
}

func errorResult(reason string) Result {
	return Result{Outcome: OutcomeError, Reason: reason}
}

func rateLimitedResult(reason string) Result {
	return Result{Outcome: OutcomeRateLimited, Reason: reason}
}
