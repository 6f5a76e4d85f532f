package provider

import (
	"math"
	"math/rand"
	"time"
)

// Reconnect policy defaults.
const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 30 * time.Second
	DefaultBackoffJitter = 0.2
	DefaultMaxAttempts   = 10 // 0 means unbounded
)

// Backoff computes exponential reconnect delays with jitter.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction of the delay, applied as +/-
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   DefaultBackoffBase,
		Factor: DefaultBackoffFactor,
		Cap:    DefaultBackoffCap,
		Jitter: DefaultBackoffJitter,
	}
}

// Delay returns the raw (jitter-free) delay for a 1-based attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	factor := b.Factor
	if factor <= 0 {
		factor = DefaultBackoffFactor
	}
	cap := b.Cap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	if d > cap || d <= 0 { // <= 0 guards float overflow
		d = cap
	}
	return d
}

// Next returns the jittered delay for a 1-based attempt number.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	// +/- Jitter fraction, uniformly distributed
	spread := float64(d) * b.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}
