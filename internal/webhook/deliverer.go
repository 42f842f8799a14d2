package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Nightline-AI/iphone-bridge/internal/stats"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
)

// FailureRecorder persists deliveries that were given up on.
type FailureRecorder interface {
	RecordFailedForward(storage.FailedForward) error
}

// AttemptState is the lifecycle state of a delivery.
type AttemptState string

const (
	StatePending   AttemptState = "pending"
	StateDelivered AttemptState = "delivered"
	StateFailed    AttemptState = "failed"
)

// Attempt tracks one delivery through its retries. It lives only for the
// duration of Deliver.
type Attempt struct {
	Delivery  Delivery
	Count     int
	NextRetry time.Time
	State     AttemptState
	LastErr   error
}

// Deliverer sends deliveries through a Client, retrying transient failures
// according to its RetryPolicy. Every outcome is reflected in stats; give-ups
// are logged at error level and written to the failure log.
type Deliverer struct {
	client   *Client
	policy   RetryPolicy
	stats    *stats.Stats
	failures FailureRecorder
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewDeliverer creates a Deliverer. failures may be nil.
func NewDeliverer(client *Client, policy RetryPolicy, st *stats.Stats, failures FailureRecorder) *Deliverer {
	if st == nil {
		st = stats.New()
	}
	return &Deliverer{
		client:   client,
		policy:   policy,
		stats:    st,
		failures: failures,
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
}

// SetLogger overrides the default logger.
func (d *Deliverer) SetLogger(l *slog.Logger) {
	d.logger = l
}

// Client returns the underlying webhook client.
func (d *Deliverer) Client() *Client {
	return d.client
}

// Deliver runs the retry loop for one delivery. Each attempt runs to
// completion even if ctx is cancelled mid-request; cancellation is observed
// between attempts. A nil return means the remote accepted the body.
func (d *Deliverer) Deliver(ctx context.Context, del Delivery) error {
	a := &Attempt{Delivery: del, State: StatePending}
	maxAttempts := d.policy.attempts()

	for {
		a.Count++
		attemptCtx := context.WithoutCancel(ctx)
		err := d.client.Post(attemptCtx, del.Path, del.Body)
		if err == nil {
			a.State = StateDelivered
			d.countSuccess(del)
			d.logger.Debug("webhook delivered", "event", del.Event, "message_id", del.MessageID, "attempt", a.Count)
			return nil
		}
		a.LastErr = err

		if !IsTransient(err) {
			d.stats.ForwardPermanentFailures.Inc()
			return d.giveUp(a, storage.ReasonPermanent)
		}

		d.stats.ForwardTransientFailures.Inc()
		if a.Count >= maxAttempts {
			d.stats.ForwardDropped.Inc()
			return d.giveUp(a, storage.ReasonExhausted)
		}

		delay := d.policy.NextDelay(a.Count)
		a.NextRetry = time.Now().Add(delay)
		d.logger.Warn("webhook delivery failed, retrying",
			"event", del.Event, "message_id", del.MessageID,
			"attempt", a.Count, "max_attempts", maxAttempts,
			"retry_in", delay.Round(time.Millisecond), "error", err)

		if err := d.sleep(ctx, delay); err != nil {
			d.stats.ForwardDropped.Inc()
			return d.giveUp(a, storage.ReasonInterrupted)
		}
	}
}

// Abandon gives up on a delivery that never got an attempt (for example one
// still queued at shutdown). It is counted as dropped and recorded.
func (d *Deliverer) Abandon(del Delivery, reason string, cause error) error {
	d.stats.ForwardDropped.Inc()
	return d.giveUp(&Attempt{Delivery: del, LastErr: cause}, reason)
}

func (d *Deliverer) countSuccess(del Delivery) {
	if del.Path == PathStatus {
		d.stats.StatusUpdatesSent.Inc()
		return
	}
	d.stats.MessagesForwarded.Inc()
}

func (d *Deliverer) giveUp(a *Attempt, reason string) error {
	a.State = StateFailed
	del := a.Delivery
	d.logger.Error("webhook delivery abandoned",
		"event", del.Event, "message_id", del.MessageID, "phone", del.Phone,
		"attempts", a.Count, "reason", reason, "error", a.LastErr)

	if d.failures != nil {
		body, err := json.Marshal(del.Body)
		if err != nil {
			body = []byte("{}")
		}
		rec := storage.FailedForward{
			ID:        uuid.New().String(),
			Event:     del.Event,
			MessageID: del.MessageID,
			Phone:     del.Phone,
			Payload:   string(body),
			Attempts:  a.Count,
			Reason:    reason,
			LastError: a.LastErr.Error(),
			CreatedAt: time.Now(),
		}
		if err := d.failures.RecordFailedForward(rec); err != nil {
			d.logger.Error("failed to record failed forward", "message_id", del.MessageID, "error", err)
		}
	}
	return &DeliveryError{Reason: reason, Attempts: a.Count, Err: a.LastErr}
}

// DeliveryError is returned by Deliver when a delivery is given up on.
type DeliveryError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a DeliveryError caused by a
// non-retryable failure.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Reason == storage.ReasonPermanent
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
