package httpkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-2xx response from an upstream API.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Service, e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying: rate limits
// and server-side failures.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewStatusError reads a bounded error body from resp and returns a
// *StatusError. The body is drained and closed.
func NewStatusError(service string, resp *http.Response) *StatusError {
	return &StatusError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Body:       ReadErrorBody(resp.Body, 4096),
	}
}

type immediateError struct{ err error }

func (e *immediateError) Error() string { return e.err.Error() }
func (e *immediateError) Unwrap() error { return e.err }

// RetryImmediately marks err as retryable without waiting out the
// backoff delay. Used when the caller has already corrected the
// request, such as after trimming history on a context-length error.
func RetryImmediately(err error) error {
	return &immediateError{err: err}
}

// IsTransient reports whether err should be retried by [Backoff.Retry].
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var imm *immediateError
	if errors.As(err, &imm) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Backoff is an exponential retry policy: attempt n waits
// min(Base * 2^n, Max) before the next try.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is the provider retry policy: three attempts, 1s base
// delay, capped at 16s.
var DefaultBackoff = Backoff{Attempts: 3, Base: time.Second, Max: 16 * time.Second}

// Delay returns the wait after the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Retry runs op until it succeeds, returns a non-transient error, or
// the attempts are exhausted. The last error is returned.
func (b Backoff) Retry(ctx context.Context, logger *slog.Logger, op func(ctx context.Context, attempt int) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		var imm *immediateError
		if errors.As(err, &imm) {
			continue
		}

		delay := b.Delay(attempt)
		if logger != nil {
			logger.Warn("transient upstream error, retrying",
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay,
				"error", err,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
