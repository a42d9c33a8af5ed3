// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config controls the backoff.
type Config struct {
	MaxRetries int           // retries after the first attempt (0 = no retry)
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap for any single delay
}

// Default returns the backoff used for remote signer health checks.
func Default() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// backOff doubles BaseDelay per retry up to MaxDelay, each delay ±25%.
func (c Config) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.Reset()
	return b
}

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a Permanent error, retries run out
// or ctx ends. It returns the number of attempts made and the last error,
// or the ctx error when ctx ended while waiting.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) (attempts int, err error) {
	op := func() (struct{}, error) {
		attempts++
		return struct{}{}, fn(ctx)
	}
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return attempts, err
}
