// Package ratelimit throttles calls to metered upstream APIs such as block
// explorers, which reject clients that exceed a per-key request rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter issues permits spaced by a fixed interval. Idle time does not
// accumulate into a burst: explorers count requests per second, so two
// back-to-back calls after a pause can already trip the limit.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a Limiter with the given rate in requests per second.
// Non-positive rates fall back to 1.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(ratePerSec), 1)}
}

// Wait blocks until a permit is available or ctx is done. A cancelled Wait
// gives its slot back so later callers are not starved.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// SetRate updates the rate for subsequent permits.
func (l *Limiter) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	l.lim.SetLimit(rate.Limit(ratePerSec))
}

// Rate returns the current rate limit.
func (l *Limiter) Rate() float64 {
	return float64(l.lim.Limit())
}
