package chain

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls how Send retries, prices, and confirms a transaction.
type Policy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Factor             float64
	Jitter             float64 // 0..1, fraction of the delay
	GasPriceMultiplier float64 // applied per retry to push stuck txs
	Confirmations      int
	ConfirmInterval    time.Duration
	Deadline           time.Duration // overall budget for one Send
	Retriable          func(error) bool
}

// DefaultPolicy matches the checkpoint submission flow: fast, one
// confirmation, modest retry budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		Factor:             2,
		Jitter:             0.2,
		GasPriceMultiplier: 1.1,
		Confirmations:      1,
		ConfirmInterval:    3 * time.Second,
		Deadline:           120 * time.Second,
	}
}

// AdminPolicy is used for registration, pricing, and withdrawal: more
// confirmations, same retry shape.
func AdminPolicy() Policy {
	p := DefaultPolicy()
	p.Confirmations = 3
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
	if p.GasPriceMultiplier <= 0 {
		p.GasPriceMultiplier = 1
	}
	if p.Confirmations <= 0 {
		p.Confirmations = 1
	}
	if p.ConfirmInterval <= 0 {
		p.ConfirmInterval = 3 * time.Second
	}
	if p.Deadline <= 0 {
		p.Deadline = 120 * time.Second
	}
	if p.Retriable == nil {
		p.Retriable = Retriable
	}
	return p
}

// Delay computes the backoff before attempt+1 (attempt is 1-based). The
// result lies in [d·(1-j), d·(1+j)] where d = min(max, base·factor^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
