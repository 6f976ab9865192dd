package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

const (
	jitterRatio = 0.2
	minBackoff  = 10 * time.Millisecond
)

// schedule holds the un-jittered delay before retry 1, 2 and 3. Later retries reuse the cap.
var schedule = [...]time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// Executor runs operations with bounded retries and jittered backoff.
// It is safe for concurrent use.
type Executor struct {
	maxRetries int
	retryIf    func(error) bool
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxRetries overrides the retry budget. Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n < 0 {
			n = 0
		}
		e.maxRetries = n
	}
}

// WithRetryIf replaces the default ShouldRetry classifier.
func WithRetryIf(fn func(error) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.retryIf = fn
		}
	}
}

// WithSleep replaces the wait between attempts. Tests use it to skip real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithJitterSource replaces the jitter source. fn must return values in [-1, 1].
func WithJitterSource(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// New creates an Executor with three retries and the default schedule.
func New(opts ...Option) *Executor {
	e := &Executor{
		maxRetries: DefaultMaxRetries,
		retryIf:    ShouldRetry,
		sleep:      sleepContext,
		jitter:     func() float64 { return rand.Float64()*2 - 1 },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backoff returns the un-jittered delay before the given retry (1-based).
func Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > len(schedule) {
		retry = len(schedule)
	}
	return schedule[retry-1]
}

// backoff applies ±20% jitter to Backoff with a 10ms floor.
func (e *Executor) backoff(retry int) time.Duration {
	base := float64(Backoff(retry))
	d := time.Duration(base + base*jitterRatio*e.jitter())
	if d < minBackoff {
		d = minBackoff
	}
	return d
}

// Run executes fn until it succeeds, fails permanently or the retry budget is spent.
// The last error is returned unchanged.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Executor.Run. A nil executor uses the defaults.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		e = New()
	}

	var zero T
	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if retry >= e.maxRetries || !e.retryIf(err) {
			return zero, err
		}

		wait := e.backoff(retry + 1)
		class := Classify(err)
		metrics.Retries.WithLabelValues(op, string(class)).Inc()
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldOperation:  op,
			logger.FieldAttempt:    retry + 1,
			logger.FieldBackoffMs:  wait.Milliseconds(),
			logger.FieldErrorClass: string(class),
		}).WithError(err).Warn("Retrying operation after transient failure")

		if err := e.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
