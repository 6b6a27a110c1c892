// Package backoff provides delay strategies for heartbeat retries.
// The strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the pause before the next attempt.
type Strategy interface {
	// Delay returns the pause after failed attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Func adapts a function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f(attempt).
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant waits the same interval after every attempt.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial*attempt, capped at Max when Max > 0.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	return capped(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential waits Initial*2^(attempt-1), capped at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter picks a uniformly random delay in [0, computed delay].
	Jitter bool
}

// NewExponential creates an exponential strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(base)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Default is the heartbeat retry strategy used when none is configured: a constant 500ms.
func Default() Strategy {
	return NewConstant(500 * time.Millisecond)
}

// Parse builds a strategy from its configuration name. Unknown names return ok=false.
func Parse(name string, initial, maxDelay time.Duration) (s Strategy, ok bool) {
	switch name {
	case "", "constant":
		return NewConstant(initial), true
	case "linear":
		return NewLinear(initial, maxDelay), true
	case "exponential":
		return NewExponential(initial, maxDelay), true
	case "exponential_jitter":
		return NewExponentialWithJitter(initial, maxDelay), true
	default:
		return nil, false
	}
}
