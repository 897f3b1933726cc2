// Package retry classifies failures of external calls and runs them under the
// engine retry policy: exponential backoff for transient failures, a fixed
// long backoff for rate limits and no retry for client errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"goa.design/verity/runtime/agent/model"
)

type (
	// Policy configures retry behavior.
	Policy struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// Values below 1 are treated as 1.
		MaxAttempts int
		// Backoffs lists the delays before each retry of a transient
		// failure. The last value is reused when attempts outnumber it.
		Backoffs []time.Duration
		// RateLimitBackoff is the fixed delay applied after a rate limited
		// attempt.
		RateLimitBackoff time.Duration
		// Sleep waits for d or until ctx is done. Nil uses a timer.
		Sleep Sleeper
	}

	// Sleeper waits for d unless ctx is cancelled first.
	Sleeper func(ctx context.Context, d time.Duration) error

	// Class is the retry classification of an error.
	Class int

	// ExhaustedError is returned when all attempts failed with retryable
	// errors.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// TotalDuration is the total time spent including backoff.
		TotalDuration time.Duration
		// LastError is the error from the last attempt.
		LastError error
	}

	// HTTPStatusError represents an HTTP error with a status code. Tools
	// return it so the executor can tell client errors from server errors.
	HTTPStatusError struct {
		StatusCode int
		Message    string
	}

	permanentError struct {
		err error
	}
)

const (
	// ClassTerminal errors are never retried.
	ClassTerminal Class = iota
	// ClassTransient errors are retried with exponential backoff.
	ClassTransient
	// ClassRateLimited errors are retried after the fixed rate limit backoff.
	ClassRateLimited
)

// DefaultPolicy returns the engine policy: 3 attempts, 1s/2s/4s backoff and
// 30s after rate limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		Backoffs:         []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		RateLimitBackoff: 30 * time.Second,
	}
}

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "terminal"
	}
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Permanent marks err as terminal regardless of its type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Classify determines how err should be retried. Unrecognized errors are
// transient: a tool failing without a status is assumed to be flaky.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return ClassTerminal
	}
	if errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	if errors.Is(err, model.ErrRateLimited) {
		return ClassRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}
	if pe, ok := model.AsProviderError(err); ok {
		switch pe.Kind {
		case model.KindRateLimited:
			return ClassRateLimited
		case model.KindAuth, model.KindInvalidRequest:
			return ClassTerminal
		case model.KindUnavailable:
			return ClassTransient
		}
		if pe.Status > 0 {
			return classifyStatus(pe.Status)
		}
		return ClassTerminal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) != ClassTerminal
}

// IsClientError reports whether status is a 4xx status that must not be
// retried.
func IsClientError(status int) bool {
	return classifyStatus(status) == ClassTerminal && status >= 400 && status < 500
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusRequestTimeout:
		return ClassTransient
	case status >= 400 && status < 500:
		return ClassTerminal
	case status >= 500:
		return ClassTransient
	default:
		return ClassTerminal
	}
}

// Delay returns the wait before the attempt following attempt (1-based) for
// an error of class c.
func (p Policy) Delay(attempt int, c Class) time.Duration {
	if c == ClassRateLimited {
		return p.RateLimitBackoff
	}
	if len(p.Backoffs) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoffs) {
		i = len(p.Backoffs) - 1
	}
	return p.Backoffs[i]
}

// Do runs fn until it succeeds, fails with a terminal error or exhausts
// MaxAttempts. onRetry, when non-nil, is invoked before each backoff wait.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = TimerSleep
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		class := Classify(err)
		if class == ClassTerminal {
			return err
		}
		if attempt >= maxAttempts {
			break
		}
		wait := p.Delay(attempt, class)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return &ExhaustedError{
		Attempts:      maxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// TimerSleep waits for d or until ctx is done.
func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
