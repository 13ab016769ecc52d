package syncer

import (
	"math/rand"
	"time"
)

// BackoffConfig configures the delay before a failed unit is retried.
type BackoffConfig struct {
	// InitialDelay is the delay after the first failure.
	// Default is 5 seconds.
	InitialDelay time.Duration

	// MaxDelay caps the delay.
	// Default is 10 minutes.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each failure.
	// Default is 2.0 (exponential backoff).
	Multiplier float64

	// Jitter adds randomness to delays so a fleet of recorders that lost the
	// same tower does not retry in lockstep. 0.1 means +/- 10%.
	// Default is 0.1.
	Jitter float64
}

// DefaultBackoffConfig returns backoff config with the recorder defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Delay returns the wait after the given number of consecutive failures,
// starting at 1. The result never exceeds MaxDelay.
func (c BackoffConfig) Delay(failures int) time.Duration {
	c = c.withDefaults()
	if failures < 1 {
		return 0
	}

	delay := float64(c.InitialDelay)
	for i := 1; i < failures; i++ {
		delay *= c.Multiplier
		if delay >= float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
			break
		}
	}

	if c.Jitter > 0 {
		jitter := delay * c.Jitter
		delay += (rand.Float64()*2 - 1) * jitter //nolint:gosec // G404: timing jitter only
	}
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
