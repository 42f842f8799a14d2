// Package watcher detects new chat.db rows by polling a ROWID cursor and
// hands each batch to a handler exactly once.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/stats"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultMissingBackoff = 30 * time.Second
	minWakeGap            = 200 * time.Millisecond
)

// Store is the read side of chat.db the watcher polls.
type Store interface {
	MaxRowID(ctx context.Context) (int64, error)
	MessagesAfter(ctx context.Context, after int64, limit int) ([]chatdb.Message, error)
	Attachments(ctx context.Context, rowID int64) ([]chatdb.Attachment, error)
}

// Handler receives each batch of new events once, in ROWID order.
type Handler func(ctx context.Context, events []Event)

// Options configures a Watcher.
type Options struct {
	PollInterval   time.Duration
	MissingBackoff time.Duration
	BatchLimit     int
	StartPolicy    StartPolicy
	Saver          CursorSaver
	Loader         CursorLoader
	// NotifyPath, when set, is watched with fsnotify; writes to it or its
	// -wal file trigger an early poll.
	NotifyPath string
	Stats      *stats.Stats
	Logger     *slog.Logger
	Now        func() time.Time
}

// Watcher owns the cursor and the poll loop. It is the only writer of the
// cursor.
type Watcher struct {
	store   Store
	handler Handler
	opts    Options
	logger  *slog.Logger
	stats   *stats.Stats

	mu      sync.Mutex
	cursor  *Cursor
	running atomic.Bool
}

// New creates a Watcher. The start policy is applied by Init (or the first
// cycle of Run), once.
func New(store Store, handler Handler, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MissingBackoff <= 0 {
		opts.MissingBackoff = DefaultMissingBackoff
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = chatdb.DefaultBatchLimit
	}
	if opts.StartPolicy == "" {
		opts.StartPolicy = StartNow
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}
	return &Watcher{
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger,
		stats:   opts.Stats,
	}
}

// Init evaluates the start policy and creates the cursor. Later calls are
// no-ops once it has succeeded.
func (w *Watcher) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cursor != nil {
		return nil
	}

	var start int64
	switch w.opts.StartPolicy {
	case StartEpoch:
		start = 0
	case StartResume:
		if w.opts.Loader != nil {
			pos, err := w.opts.Loader.LoadCursor(CursorName)
			if err == nil {
				start = pos
				break
			}
			w.logger.Info("no saved cursor, starting from now", "reason", err)
		}
		fallthrough
	case StartNow:
		maxID, err := w.store.MaxRowID(ctx)
		if err != nil {
			return fmt.Errorf("reading initial cursor: %w", err)
		}
		start = maxID
	default:
		return fmt.Errorf("unknown start policy %q", w.opts.StartPolicy)
	}

	w.cursor = NewCursor(start, w.opts.Saver)
	w.cursor.logger = w.logger
	w.stats.ObservePoll(w.opts.Now(), start)
	w.logger.Info("watcher cursor initialized", "policy", string(w.opts.StartPolicy), "row_id", start)
	return nil
}

// Position returns the cursor position, or -1 before Init.
func (w *Watcher) Position() int64 {
	w.mu.Lock()
	c := w.cursor
	w.mu.Unlock()
	if c == nil {
		return -1
	}
	return c.Position()
}

// Running reports whether Run is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// PollInterval returns the configured interval.
func (w *Watcher) PollInterval() time.Duration {
	return w.opts.PollInterval
}

// PollOnce reads up to BatchLimit rows after the cursor, advances the cursor
// to the highest ROWID read and hands the events to the handler. A backlog
// larger than BatchLimit drains one page per cycle. On a read failure the
// cursor does not move. Calling it again against an unchanged store yields
// no events.
func (w *Watcher) PollOnce(ctx context.Context) ([]Event, error) {
	if err := w.Init(ctx); err != nil {
		return nil, err
	}

	after := w.cursor.Position()
	msgs, err := w.store.MessagesAfter(ctx, after, w.opts.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("reading messages after %d: %w", after, err)
	}
	observed := w.opts.Now()
	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		ev := newEvent(m, observed)
		if m.HasAttachments {
			atts, err := w.store.Attachments(ctx, m.RowID)
			if err != nil {
				if chatdb.IsTransient(err) {
					return nil, fmt.Errorf("reading attachments for row %d: %w", m.RowID, err)
				}
				w.logger.Warn("reading attachments", "row_id", m.RowID, "error", err)
			}
			ev.Attachments = atts
		}
		events = append(events, ev)
		after = m.RowID
	}

	if len(events) > 0 {
		w.cursor.Advance(after)
	}
	w.stats.ObservePoll(w.opts.Now(), w.cursor.Position())

	if len(events) > 0 {
		w.logger.Debug("new messages", "count", len(events), "cursor", after)
		if w.handler != nil {
			w.handler(ctx, events)
		}
	}
	return events, nil
}

// Run polls until ctx is cancelled. A poll in progress when ctx is cancelled
// runs to completion before Run returns. Poll failures are logged, counted
// and retried; a missing chat.db backs off to the missing-store interval.
func (w *Watcher) Run(ctx context.Context) error {
	w.running.Store(true)
	w.stats.SetWatcherRunning(true)
	defer func() {
		w.running.Store(false)
		w.stats.SetWatcherRunning(false)
	}()

	wake := w.notify(ctx)

	w.logger.Info("watcher started", "interval", w.opts.PollInterval, "policy", string(w.opts.StartPolicy))
	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastPoll time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped", "cursor", w.Position())
			return nil
		case <-wake:
			if gap := time.Since(lastPoll); gap < minWakeGap {
				continue
			}
		case <-timer.C:
		}

		lastPoll = time.Now()
		next := w.opts.PollInterval
		if _, err := w.PollOnce(context.WithoutCancel(ctx)); err != nil {
			w.stats.PollFailures.Inc()
			if errors.Is(err, chatdb.ErrStoreMissing) {
				next = w.opts.MissingBackoff
				w.logger.Warn("chat.db not available, check Full Disk Access", "error", err, "retry_in", next)
			} else {
				w.logger.Warn("poll failed", "error", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// notify starts an fsnotify watch on the store's directory and returns a
// channel that receives when the database or its WAL changes. It returns
// nil when notifications are disabled or unavailable.
func (w *Watcher) notify(ctx context.Context) <-chan struct{} {
	if w.opts.NotifyPath == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file notifications unavailable, polling only", "error", err)
		return nil
	}
	if err := fw.Add(filepath.Dir(w.opts.NotifyPath)); err != nil {
		fw.Close()
		w.logger.Warn("file notifications unavailable, polling only", "path", w.opts.NotifyPath, "error", err)
		return nil
	}

	base := filepath.Base(w.opts.NotifyPath)
	names := map[string]bool{base: true, base + "-wal": true}
	wake := make(chan struct{}, 1)

	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !names[filepath.Base(ev.Name)] || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Debug("file notification error", "error", err)
			}
		}
	}()
	return wake
}
