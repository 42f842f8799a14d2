package webhook

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// HTTPError is returned by Client.Post for a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Body)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// IsTransient reports whether a delivery error is worth retrying. Network
// errors, timeouts, 5xx, 408 and 429 are transient. Other 4xx responses,
// marshal failures and cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode >= 500:
			return true
		case he.StatusCode == http.StatusRequestTimeout, he.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Timeouts and everything else from the transport layer.
	return true
}

// RetryPolicy controls exponential backoff between delivery attempts.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each delay uniformly by ±Jitter of its value (0.2 = ±20%).
	Jitter float64

	rand func() float64
}

// DefaultRetryPolicy returns 6 attempts, 1s initial delay, 2x multiplier,
// 5m max delay and ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  6,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
		Jitter:       0.2,
	}
}

// NextDelay returns the backoff after the given attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay *= 1 + p.Jitter*(2*r()-1)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
