// Package retry runs a fallible call a bounded number of times with a backoff
// between attempts.
package retry

import (
	"context"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/ulogger"
)

type Options struct {
	RetryCount          int
	BackoffMultiplier   int
	BackoffDurationType time.Duration
	Message             string
	ExponentialBackoff  bool
	BackoffFactor       float64
	MaxBackoff          time.Duration
	ShouldRetry         func(error) bool
}

type Option func(*Options)

func WithRetryCount(count int) Option {
	return func(o *Options) { o.RetryCount = count }
}

func WithBackoffMultiplier(multiplier int) Option {
	return func(o *Options) { o.BackoffMultiplier = multiplier }
}

func WithBackoffDurationType(d time.Duration) Option {
	return func(o *Options) { o.BackoffDurationType = d }
}

func WithMessage(message string) Option {
	return func(o *Options) { o.Message = message }
}

// WithExponentialBackoff multiplies the wait by BackoffFactor after every
// failure, up to MaxBackoff.
func WithExponentialBackoff() Option {
	return func(o *Options) { o.ExponentialBackoff = true }
}

func WithBackoffFactor(factor float64) Option {
	return func(o *Options) { o.BackoffFactor = factor }
}

func WithMaxBackoff(d time.Duration) Option {
	return func(o *Options) { o.MaxBackoff = d }
}

// WithShouldRetry stops retrying as soon as fn returns false for an error.
func WithShouldRetry(fn func(error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

// Retry calls f until it succeeds, the attempts are used up or ctx is done.
// The last error is returned when every attempt failed.
func Retry[T any](ctx context.Context, logger ulogger.Logger, f func() (T, error), opts ...Option) (T, error) {
	o := &Options{
		RetryCount:          3,
		BackoffMultiplier:   2,
		BackoffDurationType: time.Second,
		Message:             "retrying",
		BackoffFactor:       2.0,
		MaxBackoff:          30 * time.Second,
	}

	for _, opt := range opts {
		opt(o)
	}

	var (
		result T
		err    error
	)

	backoff := o.BackoffDurationType

	for attempt := 0; attempt < o.RetryCount; attempt++ {
		if ctx.Err() != nil {
			return result, errors.NewContextCanceledError("%s: cancelled after %d attempts", o.Message, attempt, ctx.Err())
		}

		result, err = f()
		if err == nil {
			return result, nil
		}

		if o.ShouldRetry != nil && !o.ShouldRetry(err) {
			return result, err
		}

		if attempt == o.RetryCount-1 {
			break
		}

		logger.Warnf("%s (attempt %d/%d): %v", o.Message, attempt+1, o.RetryCount, err)

		if o.ExponentialBackoff {
			if sleepErr := sleepFunc(ctx, backoff); sleepErr != nil {
				return result, errors.NewContextCanceledError("%s: cancelled during backoff", o.Message, sleepErr)
			}

			backoff = CappedExponentialBackoff(backoff, o.BackoffFactor, o.MaxBackoff)

			continue
		}

		if sleepErr := BackoffAndSleep(ctx, attempt, o.BackoffMultiplier, o.BackoffDurationType); sleepErr != nil {
			return result, errors.NewContextCanceledError("%s: cancelled during backoff", o.Message, sleepErr)
		}
	}

	return result, err
}
