// Package retry provides bounded in-process retries with exponential
// backoff. It covers transient failures within a single delivery attempt;
// durable, crash-surviving retries are the outbox dispatcher's job.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry parameters
const (
	DefaultMaxRetries = 3
	DefaultDelay      = time.Second
	DefaultMaxDelay   = 60 * time.Second
)

// Options configures a retried call.
type Options struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Delay is the base delay; attempt n waits Delay * 2^n.
	Delay time.Duration
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth retrying. Nil means
	// every error is retryable.
	Retryable func(error) bool
	// OnRetry is invoked before each retry with the 1-indexed attempt
	// number and the error that caused it.
	OnRetry func(attempt int, err error)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Delay == 0 {
		o.Delay = DefaultDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

// Do runs fn, retrying retryable failures with exponential backoff until it
// succeeds, the retry budget is exhausted, or ctx is done. The last error is
// returned.
func Do(ctx context.Context, fn func() error, opts Options) error {
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Delay
	b.Multiplier = 2
	b.MaxInterval = opts.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		attempt++
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxRetries)), ctx)
	return backoff.RetryNotify(wrapped, policy, notify)
}
