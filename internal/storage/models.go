package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Failure reasons recorded for forwards that were given up on.
const (
	ReasonPermanent = "permanent"
	ReasonExhausted = "exhausted"
	// ReasonInterrupted marks deliveries abandoned by shutdown or the
	// per-event timeout while waiting to retry.
	ReasonInterrupted = "interrupted"
)

// FailedForward is an audit row for a webhook delivery that was not completed.
// Rows are never replayed automatically.
type FailedForward struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	MessageID string    `json:"message_id"`
	Phone     string    `json:"phone"`
	Payload   string    `json:"payload"` // JSON body that was being delivered
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"` // one of the Reason constants
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SentMessage struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Text      string    `json:"text"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
