// Package resilience provides the retry and circuit-breaker policies
// wrapped around every outbound portal call. The retry loop sits inside
// the breaker, so a breaker-open rejection never consumes retry attempts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// StatusError carries a non-2xx HTTP status through the policy layers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.Code, http.StatusText(e.Code))
}

// NewStatusError builds a StatusError, trimming the body to keep error
// strings log-friendly.
func NewStatusError(code int, body string) *StatusError {
	body = strings.TrimSpace(body)
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{Code: code, Body: body}
}

// IsTransient reports whether an error is worth retrying: network
// timeouts, connection resets, 5xx, and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// IsClientRejection reports whether an error is a 4xx other than 429.
// These are business rejections: not retried, and not counted against
// the circuit breaker.
func IsClientRejection(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}

// ============================================================================
// RETRY
// ============================================================================

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Backoff      float64
}

// DefaultRetryPolicy is three attempts, one second initial delay,
// doubling between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Backoff: 2.0}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Backoff <= 0 {
		p.Backoff = 2.0
	}
	return p
}

// Do runs op, retrying transient failures up to MaxAttempts with sleeps
// of InitialDelay * Backoff^(attempt-1). Non-transient errors fail
// immediately; the final attempt's error is propagated as-is.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	pol := p.normalized()

	var err error
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == pol.MaxAttempts {
			break
		}

		delay := time.Duration(float64(pol.InitialDelay) * math.Pow(pol.Backoff, float64(attempt-1)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
