// Package chain is the shared on-chain operator: every read and write the
// agent performs against the blockchain flows through this package, which
// owns retry, backoff, RPC failover, circuit breaking, nonce management, gas
// strategy, and durable storage of failed transactions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and surfacing decisions. Only
// classified errors cross the package boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindRevert
	KindTimeout
	KindValidation
	KindAuth
	KindResource
	KindNotFound
	KindConflict
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRevert:
		return "revert"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindResource:
		return "resource"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error is a classified chain error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("chain: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("chain: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap builds a classified error, classifying err when kind is unknown.
func wrap(op string, kind Kind, err error) *Error {
	if kind == KindUnknown {
		kind = Classify(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrCircuitOpen is returned by Send while the breaker is open.
var ErrCircuitOpen = errors.New("chain: circuit breaker open")

// RetryError reports that the retry budget was exhausted.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("chain: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

// Substrings that mark an error as worth retrying. Matching is
// case-insensitive on the full error chain text.
var retriableMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"request timeout",
	"timeout exceeded",
	"deadline exceeded",
	"no such host",
	"dns",
	"nonce too low",
	"replacement fee too low",
	"replacement transaction underpriced",
	"gas required exceeds allowance",
	"network",
	"econnrefused",
	"econnreset",
	"etimedout",
	"too many requests",
	"service unavailable",
	"bad gateway",
}

// Substrings that must never be retried; they fail immediately.
var fatalMarkers = []string{
	"invalid private key",
	"unauthorized",
	"forbidden",
	"invalid configuration",
	"missing required",
	"execution reverted",
	"always failing transaction",
	"insufficient funds",
}

// Classify maps an arbitrary error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted") || strings.Contains(msg, "always failing transaction"):
		return KindRevert
	case strings.Contains(msg, "invalid private key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"):
		return KindAuth
	case strings.Contains(msg, "invalid configuration"),
		strings.Contains(msg, "missing required"):
		return KindValidation
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"):
		return KindResource
	case strings.Contains(msg, "not found"):
		return KindNotFound
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "already registered"):
		return KindConflict
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	}
	for _, marker := range retriableMarkers {
		if strings.Contains(msg, marker) {
			return KindNetwork
		}
	}
	return KindUnknown
}

// Retriable reports whether err is safe to retry with backoff.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	switch Classify(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	for _, marker := range retriableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
