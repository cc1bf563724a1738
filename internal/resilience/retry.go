package resilience

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrorClass tells a [RetryPolicy] how to treat a failed attempt.
type ErrorClass int

const (
	// ClassPermanent errors end the retry loop immediately.
	ClassPermanent ErrorClass = iota

	// ClassTimeout errors are retried after a backoff capped at
	// [RetryPolicy.TimeoutBackoffCap].
	ClassTimeout

	// ClassTransient errors (transport failures, malformed responses) are
	// retried after a backoff capped at [RetryPolicy.ErrorBackoffCap].
	ClassTransient

	// ClassRejected errors are non-2xx answers from a reachable service. They
	// consume an attempt and are retried without waiting.
	ClassRejected
)

// String returns the human-readable name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTimeout:
		return "timeout"
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
// [ClassifyError] treats them as [ClassRejected].
type StatusCoder interface {
	HTTPStatus() int
}

// RetryPolicy describes a bounded retry loop with an escalating per-attempt
// timeout and exponential backoff between attempts.
//
// The zero value is not useful; start from [DefaultRetryPolicy].
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseTimeout is the deadline of the first attempt. Attempt n (0-based)
	// gets BaseTimeout + n*TimeoutStep. Zero disables per-attempt deadlines.
	BaseTimeout time.Duration
	TimeoutStep time.Duration

	// BackoffBase is the wait after the first failed attempt; it doubles per
	// attempt up to the class-specific cap.
	BackoffBase       time.Duration
	TimeoutBackoffCap time.Duration
	ErrorBackoffCap   time.Duration

	// Classify maps an attempt error to its class. Nil means [ClassifyError].
	Classify func(error) ErrorClass

	// Sleep waits for d or until ctx is done. Nil uses a timer. Tests replace
	// it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, if set, is called before each retry with the 0-based index of
	// the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns the policy used for remote transcription:
// 3 attempts, 90s/120s/150s attempt deadlines, 1s·2ⁿ backoff capped at 10s
// after timeouts and 5s after other transient errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseTimeout:       90 * time.Second,
		TimeoutStep:       30 * time.Second,
		BackoffBase:       time.Second,
		TimeoutBackoffCap: 10 * time.Second,
		ErrorBackoffCap:   5 * time.Second,
	}
}

// AttemptTimeout returns the deadline for the 0-based attempt.
func (p RetryPolicy) AttemptTimeout(attempt int) time.Duration {
	if p.BaseTimeout <= 0 {
		return 0
	}
	return p.BaseTimeout + time.Duration(attempt)*p.TimeoutStep
}

// Backoff returns how long to wait after the 0-based attempt failed with an
// error of class c.
func (p RetryPolicy) Backoff(attempt int, c ErrorClass) time.Duration {
	var ceiling time.Duration
	switch c {
	case ClassTimeout:
		ceiling = p.TimeoutBackoffCap
	case ClassTransient:
		ceiling = p.ErrorBackoffCap
	default:
		return 0
	}
	d := p.BackoffBase << attempt
	if d <= 0 || (ceiling > 0 && d > ceiling) {
		d = ceiling
	}
	return d
}

// Retry runs fn until it succeeds, returns a permanent error, or the attempt
// budget is spent. Each call receives a context bounded by the attempt's
// timeout and the 0-based attempt index.
//
// The error of the final attempt is returned as-is so callers can surface it
// verbatim. If ctx ends while waiting between attempts, the last attempt
// error is joined with the context error.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	attempts := max(p.MaxAttempts, 1)
	classify := p.Classify
	if classify == nil {
		classify = ClassifyError
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(lastErr, err)
			}
			return zero, err
		}

		v, err := runAttempt(ctx, p.AttemptTimeout(attempt), attempt, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		// The caller gave up; the attempt did not time out on its own.
		if ctx.Err() != nil {
			return zero, err
		}

		class := classify(err)
		if class == ClassPermanent || attempt == attempts-1 {
			return zero, err
		}

		wait := p.Backoff(attempt, class)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if wait > 0 {
			if serr := sleep(ctx, wait); serr != nil {
				return zero, errors.Join(err, serr)
			}
		}
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, attempt)
}

// ClassifyError is the default classifier: deadline and network timeouts are
// [ClassTimeout], errors implementing [StatusCoder] are [ClassRejected],
// cancellation is [ClassPermanent] and everything else is [ClassTransient].
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return ClassRejected
	}
	return ClassTransient
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
