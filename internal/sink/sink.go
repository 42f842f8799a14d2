// Package sink wraps the local message-send mechanism with a uniform
// request/result contract and assigns correlation ids to outbound sends.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nightline-AI/iphone-bridge/internal/echo"
	"github.com/Nightline-AI/iphone-bridge/internal/stats"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
)

// DefaultTimeout bounds a single call to the Sender.
const DefaultTimeout = 30 * time.Second

// ErrInvalidRecipient is returned by a Sender when Messages cannot resolve
// the recipient.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Sender hands one message to the local delivery mechanism. It blocks until
// the mechanism reports success or failure.
type Sender interface {
	Send(ctx context.Context, handle, text string) error
}

// Tracker is notified of successful sends so their delivery and read
// receipts can be reported later.
type Tracker interface {
	Track(id, handle, text string)
}

// SendLog persists the outcome of each send.
type SendLog interface {
	RecordSend(storage.SentMessage) error
}

// Kind classifies a failed Result.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindInvalidRecipient Kind = "invalid_recipient"
	KindDelivery         Kind = "delivery"
)

// Result is the outcome of Adapter.Send.
type Result struct {
	Success   bool
	MessageID string
	Error     string
	Kind      Kind
}

// AdapterOptions configures an Adapter. Tracker and SendLog are optional.
type AdapterOptions struct {
	Timeout time.Duration
	Tracker Tracker
	SendLog SendLog
	Logger  *slog.Logger
}

// Adapter validates send requests, records the echo correlation entry and
// then invokes the Sender. It never retries.
type Adapter struct {
	sender  Sender
	echoes  *echo.Set
	stats   *stats.Stats
	timeout time.Duration
	tracker Tracker
	sendLog SendLog
	logger  *slog.Logger
	newID   func() string
}

// NewAdapter creates an Adapter.
func NewAdapter(sender Sender, echoes *echo.Set, st *stats.Stats, opts AdapterOptions) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if st == nil {
		st = stats.New()
	}
	return &Adapter{
		sender:  sender,
		echoes:  echoes,
		stats:   st,
		timeout: opts.Timeout,
		tracker: opts.Tracker,
		sendLog: opts.SendLog,
		logger:  opts.Logger,
		newID:   NewCorrelationID,
	}
}

// NewCorrelationID returns "bridge-" followed by 12 random hex characters.
func NewCorrelationID() string {
	return "bridge-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Send validates and sends one message. The correlation entry is recorded
// before the Sender runs so that an echo observed on the very next poll can
// be matched. Validation failures create no entry and never reach the Sender.
func (a *Adapter) Send(ctx context.Context, handle, text string) Result {
	handle = strings.TrimSpace(handle)
	if err := Validate(handle, text); err != nil {
		a.logger.Warn("rejected send request", "error", err)
		return Result{Error: err.Error(), Kind: KindValidation}
	}

	id := a.newID()
	a.echoes.Record(id, handle, text)

	sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.logger.Info("sending message", "id", id, "phone", handle, "text", Truncate(text, 50))
	err := a.sender.Send(sendCtx, handle, text)
	if err != nil {
		a.echoes.Remove(id)
		a.stats.SendsFailed.Inc()
		a.logger.Error("send failed", "id", id, "phone", handle, "error", err)
		a.logSend(storage.SentMessage{ID: id, Phone: handle, Text: text, Error: err.Error()})

		kind := KindDelivery
		if errors.Is(err, ErrInvalidRecipient) {
			kind = KindInvalidRecipient
		}
		return Result{MessageID: id, Error: err.Error(), Kind: kind}
	}

	a.stats.SendsAccepted.Inc()
	a.logSend(storage.SentMessage{ID: id, Phone: handle, Text: text, Success: true})
	if a.tracker != nil {
		a.tracker.Track(id, handle, text)
	}
	return Result{Success: true, MessageID: id}
}

func (a *Adapter) logSend(m storage.SentMessage) {
	if a.sendLog == nil {
		return
	}
	m.CreatedAt = time.Now()
	if err := a.sendLog.RecordSend(m); err != nil {
		a.logger.Warn("recording send", "id", m.ID, "error", err)
	}
}

// Truncate shortens s to at most n runes for logging.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
