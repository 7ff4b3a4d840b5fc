// Package retry provides exponential backoff retry logic for idempotent
// gateway calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// Retryable overrides perrors.IsRetryable when set.
	Retryable func(error) bool
	// OnRetry is called before each wait with the failed attempt's error.
	OnRetry func(err error, wait time.Duration)
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// NewBackOff builds the exponential schedule described by cfg.
func (cfg Config) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if !cfg.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = perrors.IsRetryable
	}

	var b backoff.BackOff = cfg.NewBackOff()
	b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	op := func() error {
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if cfg.OnRetry != nil {
		notify = backoff.Notify(cfg.OnRetry)
	}
	return backoff.RetryNotify(op, b, notify)
}
