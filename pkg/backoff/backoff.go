// Package backoff computes how long a failed job waits before it may be
// claimed again. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy maps a completed attempt count to a retry delay.
type Strategy interface {
	// Delay returns the wait after attempt n failed. n starts at 1.
	Delay(attempt int) time.Duration
}

// None retries immediately.
type None struct{}

func (None) Delay(int) time.Duration { return 0 }

// Constant waits the same interval after every attempt.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay per attempt: Initial * 2^(n-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter spreads each delay uniformly over [d/2, d] so jobs failed by
	// the same outage do not come back in lockstep.
	Jitter bool
}

func NewExponential(initial, maxDelay time.Duration, jitter bool) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: jitter}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Default is exponential with jitter from 30s up to 10m.
func Default() Strategy {
	return NewExponential(30*time.Second, 10*time.Minute, true)
}
