package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds replay attempts.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// AttemptTimeout bounds a single send. A timeout counts as an unknown
	// outcome and is retried with the same key.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used by devices.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         8,
		InitialInterval:     time.Second,
		MaxInterval:         2 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		AttemptTimeout:      10 * time.Second,
	}
}

func (p *Policy) setDefaults() {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RandomizationFactor < 0 {
		p.RandomizationFactor = 0
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
}

// Delay returns the wait before attempt number attempts+1, with jitter.
// Attempts are persisted, so the schedule is recomputed rather than carried
// in a long-lived backoff value.
func (p Policy) Delay(attempts int) time.Duration {
	b := p.backOff()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}
