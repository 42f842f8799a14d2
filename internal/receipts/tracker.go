// Package receipts follows messages the bridge sent and reports when chat.db
// marks them delivered or read.
//
// osascript does not return a message GUID, so each tracked send is first
// resolved to a GUID by matching (handle, text) against recent outgoing rows.
package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/echo"
)

const (
	DefaultWindow        = 24 * time.Hour
	DefaultResolveWindow = 5 * time.Minute
	resolveLimit         = 50
)

// Status values carried by an Update.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Source is the subset of the chat.db reader the tracker needs.
type Source interface {
	RecentOutgoing(ctx context.Context, since time.Time, limit int) ([]chatdb.Outgoing, error)
	ReceiptsFor(ctx context.Context, guids []string) ([]chatdb.Receipt, error)
}

// Update is a delivery or read transition for a tracked send.
type Update struct {
	ID         string // bridge correlation id
	GUID       string
	Phone      string
	Status     string
	Timestamp  time.Time
	IsIMessage bool
}

type tracked struct {
	id          string
	phone       string
	text        string
	sentAt      time.Time
	guid        string
	deliveredAt time.Time
}

// Options configures a Tracker.
type Options struct {
	Window        time.Duration
	ResolveWindow time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Tracker holds sends awaiting receipts. Track may be called concurrently
// with Check.
type Tracker struct {
	src           Source
	window        time.Duration
	resolveWindow time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	tracked []*tracked
}

// New creates a Tracker reading from src.
func New(src Source, opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.ResolveWindow <= 0 {
		opts.ResolveWindow = DefaultResolveWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		src:           src,
		window:        opts.Window,
		resolveWindow: opts.ResolveWindow,
		now:           opts.Now,
		logger:        opts.Logger,
	}
}

// Track starts following a successful send.
func (t *Tracker) Track(id, handle, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = append(t.tracked, &tracked{
		id:     id,
		phone:  handle,
		text:   echo.Normalize(text),
		sentAt: t.now(),
	})
}

// Len returns how many sends are being tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Check resolves pending GUIDs and returns new delivery and read
// transitions. Each transition is returned once; a read message stops being
// tracked, as do SMS sends, which never carry receipts.
func (t *Tracker) Check(ctx context.Context) ([]Update, error) {
	t.expire()

	if err := t.resolve(ctx); err != nil {
		return nil, err
	}

	guids := t.resolvedGUIDs()
	if len(guids) == 0 {
		return nil, nil
	}
	receipts, err := t.src.ReceiptsFor(ctx, guids)
	if err != nil {
		return nil, fmt.Errorf("reading receipts: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byGUID := make(map[string]*tracked, len(t.tracked))
	for _, m := range t.tracked {
		if m.guid != "" {
			byGUID[m.guid] = m
		}
	}

	var updates []Update
	done := make(map[*tracked]bool)
	for _, rc := range receipts {
		m, ok := byGUID[rc.GUID]
		if !ok {
			continue
		}
		isIMessage := rc.Service == "" || rc.Service == "iMessage"
		if !isIMessage {
			t.logger.Debug("not tracking SMS send", "id", m.id)
			done[m] = true
			continue
		}
		if !rc.DateDelivered.IsZero() && m.deliveredAt.IsZero() {
			m.deliveredAt = rc.DateDelivered
			updates = append(updates, Update{
				ID: m.id, GUID: m.guid, Phone: m.phone,
				Status: StatusDelivered, Timestamp: rc.DateDelivered, IsIMessage: true,
			})
			t.logger.Info("message delivered", "id", m.id, "phone", m.phone)
		}
		if !rc.DateRead.IsZero() {
			updates = append(updates, Update{
				ID: m.id, GUID: m.guid, Phone: m.phone,
				Status: StatusRead, Timestamp: rc.DateRead, IsIMessage: true,
			})
			t.logger.Info("message read", "id", m.id, "phone", m.phone)
			done[m] = true
		}
	}

	if len(done) > 0 {
		kept := t.tracked[:0]
		for _, m := range t.tracked {
			if !done[m] {
				kept = append(kept, m)
			}
		}
		t.tracked = kept
	}
	return updates, nil
}

func (t *Tracker) expire() {
	cutoff := t.now().Add(-t.window)
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.tracked[:0]
	for _, m := range t.tracked {
		if m.sentAt.After(cutoff) {
			kept = append(kept, m)
		}
	}
	if removed := len(t.tracked) - len(kept); removed > 0 {
		t.logger.Debug("stopped tracking expired sends", "count", removed)
	}
	t.tracked = kept
}

func (t *Tracker) resolve(ctx context.Context) error {
	t.mu.Lock()
	pending := 0
	for _, m := range t.tracked {
		if m.guid == "" {
			pending++
		}
	}
	t.mu.Unlock()
	if pending == 0 {
		return nil
	}

	rows, err := t.src.RecentOutgoing(ctx, t.now().Add(-t.resolveWindow), resolveLimit)
	if err != nil {
		return fmt.Errorf("reading recent outgoing messages: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	claimed := make(map[string]bool)
	for _, m := range t.tracked {
		if m.guid != "" {
			claimed[m.guid] = true
		}
	}
	// Rows are newest first; walk oldest first so earlier sends claim
	// earlier rows when the same text went out twice.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.GUID == "" || claimed[row.GUID] {
			continue
		}
		text := echo.Normalize(row.Text)
		for _, m := range t.tracked {
			if m.guid == "" && m.phone == row.Handle && m.text == text {
				m.guid = row.GUID
				claimed[row.GUID] = true
				t.logger.Debug("resolved sent message", "id", m.id, "guid", row.GUID)
				break
			}
		}
	}
	return nil
}

func (t *Tracker) resolvedGUIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var guids []string
	for _, m := range t.tracked {
		if m.guid != "" {
			guids = append(guids, m.guid)
		}
	}
	return guids
}

// Run calls Check every interval and passes non-empty results to emit until
// ctx is cancelled. Check errors are logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, emit func(context.Context, []Update)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if t.Len() == 0 {
				continue
			}
			updates, err := t.Check(ctx)
			if err != nil {
				t.logger.Warn("receipt check failed", "error", err)
				continue
			}
			if len(updates) > 0 {
				emit(ctx, updates)
			}
		}
	}
}
