package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig tunes the adapter-level retry applied to connection-class
// failures. Non-connection errors are never retried.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig matches the configured defaults: 3 attempts starting at
// 1s, doubling, capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

func (c RetryConfig) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialDelay
	bo.Multiplier = c.Multiplier
	bo.MaxInterval = c.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall time
	bo.RandomizationFactor = 0.1
	return bo
}

// WithRetry runs op, retrying connection-class failures with exponential
// backoff up to cfg.MaxAttempts total attempts. Any other error stops the
// retry loop immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	bo := backoff.WithMaxRetries(backoff.WithContext(cfg.newBackoff(), ctx), uint64(cfg.MaxAttempts-1))
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
