package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

// Retry defaults, matching config defaults.
const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0
)

// RetryPolicy bounds retries of one remote stage. MaxAttempts counts the
// first try.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// ApplyDefaults fills zero values with defaults.
func (p *RetryPolicy) ApplyDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultMultiplier
	}
}

// PolicyFromConfig maps the config retry block onto a policy.
func PolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff.Duration(),
		MaxBackoff:     rc.MaxBackoff.Duration(),
		Multiplier:     rc.Multiplier,
	}
	p.ApplyDefaults()
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, or exhausts
// MaxAttempts. Backoff between attempts grows by Multiplier up to MaxBackoff.
func (p RetryPolicy) Do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * p.Multiplier)
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
