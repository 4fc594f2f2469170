// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy computes retry delays: Min doubling by Factor up to Max, with
// Jitter as a fraction of the delay applied in both directions.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Default returns the reconnect schedule used when none is set.
func Default() Policy {
	return Policy{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Next returns the delay before retry attempt n (1-based).
func (b Policy) Next(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	lo, hi, factor := b.Min, b.Max, b.Factor
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	if hi <= 0 {
		hi = 30 * time.Second
	}
	hi = max(hi, lo)
	if factor <= 1 {
		factor = 2
	}

	wait := lo
	for i := 1; i < n && wait < hi; i++ {
		wait = time.Duration(float64(wait) * factor)
	}
	wait = min(wait, hi)

	j := min(b.Jitter, 1)
	if j <= 0 {
		return wait
	}
	spread := float64(wait) * j
	return wait + time.Duration(spread*(2*rand.Float64()-1))
}
