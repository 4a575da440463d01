package network

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential retry delays with jitter.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay for each further retry.
	Factor float64
	// Max caps the delay before jitter is applied.
	Max time.Duration
	// MinJitter is the lower bound of the uniform jitter multiplier; the
	// upper bound is 1.
	MinJitter float64

	rand func() float64
}

// DefaultBackoff returns base 1s, factor 2, cap 30s and jitter in [0.5, 1].
func DefaultBackoff() Backoff {
	return Backoff{
		Base:      1 * time.Second,
		Factor:    2.0,
		Max:       30 * time.Second,
		MinJitter: 0.5,
	}
}

// WithRand returns a copy using fn as the jitter source. fn must return
// values in [0, 1).
func (b Backoff) WithRand(fn func() float64) Backoff {
	b.rand = fn
	return b
}

// Delay returns the wait before retry attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if exp > float64(b.Max) || math.IsInf(exp, 0) {
		exp = float64(b.Max)
	}

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	jitter := b.MinJitter + (1-b.MinJitter)*r()
	return time.Duration(exp * jitter)
}
