package memjob

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yungbote/jobworker/internal/jobqueue"
)

// BackoffOption configures the *backoff.ExponentialBackOff used by
// DefaultBackoff. v5's ExponentialBackOff has no functional-options
// constructor of its own (NewExponentialBackOff takes no arguments and
// returns the library defaults) so these just set exported fields
// after construction.
type BackoffOption func(*backoff.ExponentialBackOff)

// WithInitialInterval sets the first retry's base interval.
func WithInitialInterval(d time.Duration) BackoffOption {
	return func(b *backoff.ExponentialBackOff) { b.InitialInterval = d }
}

// WithMaxInterval caps how large the base interval is allowed to grow.
func WithMaxInterval(d time.Duration) BackoffOption {
	return func(b *backoff.ExponentialBackOff) { b.MaxInterval = d }
}

// WithMultiplier sets the growth factor applied between attempts.
func WithMultiplier(m float64) BackoffOption {
	return func(b *backoff.ExponentialBackOff) { b.Multiplier = m }
}

// DefaultBackoff builds an exponential jobqueue.BackoffFunc on top of
// backoff/v5's ExponentialBackOff, for callers that want curve-shaped
// retries without hand-rolling the math. attempts is 1-indexed, as
// supplied by the runner after Job.Attempt; each call walks a fresh
// ExponentialBackOff that many steps rather than sharing one mutable
// instance across calls, since NextBackOff mutates currentInterval in
// place and Reset alone wouldn't reproduce a given attempt's interval.
func DefaultBackoff(opts ...BackoffOption) jobqueue.BackoffFunc {
	return func(attempts int) (int64, error) {
		b := backoff.NewExponentialBackOff()
		for _, opt := range opts {
			opt(b)
		}
		b.Reset()

		var d time.Duration
		for i := 0; i < attempts; i++ {
			d = b.NextBackOff()
		}
		return d.Milliseconds(), nil
	}
}
