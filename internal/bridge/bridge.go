// Package bridge wires the watcher, echo filter, sink adapter, receipt
// tracker and webhook delivery into one running pipeline.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/echo"
	"github.com/Nightline-AI/iphone-bridge/internal/receipts"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
	"github.com/Nightline-AI/iphone-bridge/internal/stats"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
	"github.com/Nightline-AI/iphone-bridge/internal/watcher"
	"github.com/Nightline-AI/iphone-bridge/internal/webhook"
)

// Version is reported by /health.
const Version = "0.1.0"

// Source is the chat.db view the bridge polls.
type Source interface {
	watcher.Store
	receipts.Source
}

// Config holds the pipeline settings. They are read once at construction.
type Config struct {
	PollInterval    time.Duration
	BatchLimit      int
	StartPolicy     watcher.StartPolicy
	NotifyPath      string
	EchoTTL         time.Duration
	Retry           webhook.RetryPolicy
	EventTimeout    time.Duration
	SenderTimeout   time.Duration
	ReceiptInterval time.Duration
}

// Bridge owns every piece of process-wide state: cursor, correlation set,
// counters, delivery queue and receipt tracker.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	stats      *stats.Stats
	echoes     *echo.Set
	filter     *echo.Filter
	watcher    *watcher.Watcher
	client     *webhook.Client
	deliverer  *webhook.Deliverer
	dispatcher *webhook.Dispatcher
	tracker    *receipts.Tracker
	adapter    *sink.Adapter
	state      *storage.Store

	injectSeq atomic.Int64
}

// New builds a Bridge. src may be nil (mock mode), in which case no watcher
// or receipt tracker runs and messages only enter through Inject. state may
// be nil to run without persistence.
func New(src Source, sender sink.Sender, client *webhook.Client, state *storage.Store, cfg Config) *Bridge {
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = cfg.PollInterval
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = watcher.DefaultPollInterval
	}

	b := &Bridge{
		cfg:    cfg,
		logger: slog.Default(),
		stats:  stats.New(),
		client: client,
		state:  state,
	}
	b.echoes = echo.NewSet(echo.Options{TTL: cfg.EchoTTL})
	b.filter = echo.NewFilter(b.echoes)

	var failures webhook.FailureRecorder
	var sendLog sink.SendLog
	if state != nil {
		failures = state
		sendLog = state
	}
	b.deliverer = webhook.NewDeliverer(client, cfg.Retry, b.stats, failures)
	b.dispatcher = webhook.NewDispatcher(b.deliverer, webhook.DispatcherOptions{EventTimeout: cfg.EventTimeout})

	var tracker sink.Tracker
	if src != nil {
		b.tracker = receipts.New(src, receipts.Options{})
		tracker = b.tracker

		wopts := watcher.Options{
			PollInterval: cfg.PollInterval,
			BatchLimit:   cfg.BatchLimit,
			StartPolicy:  cfg.StartPolicy,
			NotifyPath:   cfg.NotifyPath,
			Stats:        b.stats,
		}
		if state != nil {
			wopts.Saver = state
			wopts.Loader = state
		}
		b.watcher = watcher.New(src, b.HandleBatch, wopts)
	}

	b.adapter = sink.NewAdapter(sender, b.echoes, b.stats, sink.AdapterOptions{
		Timeout: cfg.SenderTimeout,
		Tracker: tracker,
		SendLog: sendLog,
	})
	return b
}

// Stats returns the shared counters.
func (b *Bridge) Stats() *stats.Stats { return b.stats }

// Watcher returns the chat.db watcher, or nil in mock mode.
func (b *Bridge) Watcher() *watcher.Watcher { return b.watcher }

// Client returns the webhook client.
func (b *Bridge) Client() *webhook.Client { return b.client }

// State returns the bridge state store, which may be nil.
func (b *Bridge) State() *storage.Store { return b.state }

// Send runs an outbound request through the sink adapter.
func (b *Bridge) Send(ctx context.Context, handle, text string) sink.Result {
	return b.adapter.Send(ctx, handle, text)
}

// HandleBatch filters a poll batch through the echo filter and queues the
// survivors for delivery, preserving order.
func (b *Bridge) HandleBatch(ctx context.Context, events []watcher.Event) {
	var batch []webhook.Delivery
	for _, ev := range events {
		b.stats.MessagesReceived.Inc()
		if !b.filter.Allow(ev.Direction, ev.Handle, ev.Text) {
			b.stats.EchoesSuppressed.Inc()
			continue
		}
		b.logger.Info("message observed",
			"row_id", ev.RowID, "phone", ev.Handle, "direction", string(ev.Direction),
			"text", sink.Truncate(ev.Text, 50), "attachments", len(ev.Attachments))
		batch = append(batch, webhook.NewMessageDelivery(b.payload(ev), ev.Attachments...))
	}
	b.dispatcher.Enqueue(batch)
}

func (b *Bridge) payload(ev watcher.Event) webhook.Payload {
	return webhook.Payload{
		Event:      webhook.EventMessageReceived,
		Phone:      ev.Handle,
		Text:       ev.Text,
		ReceivedAt: webhook.FormatTime(ev.Timestamp),
		MessageID:  ev.ID,
		IsIMessage: ev.IsIMessage,
		IsFromMe:   ev.Direction == echo.Outbound,
	}
}

func (b *Bridge) emitReceipts(_ context.Context, updates []receipts.Update) {
	batch := make([]webhook.Delivery, 0, len(updates))
	for _, u := range updates {
		batch = append(batch, webhook.NewStatusDelivery(webhook.StatusPayload{
			Event:      "message." + u.Status,
			Phone:      u.Phone,
			MessageID:  u.GUID,
			Timestamp:  webhook.FormatTime(u.Timestamp),
			IsIMessage: u.IsIMessage,
		}))
	}
	b.dispatcher.Enqueue(batch)
}

// Inject pushes a synthetic inbound message through the pipeline as if the
// watcher had read it. Used in mock mode.
func (b *Bridge) Inject(ctx context.Context, handle, text string, isIMessage bool) watcher.Event {
	seq := b.injectSeq.Add(1)
	now := time.Now().UTC()
	ev := watcher.Event{
		ID:         fmt.Sprintf("mock-%d-%d", now.UnixNano(), seq),
		RowID:      seq,
		Handle:     chatdb.NormalizeHandle(handle),
		Text:       text,
		Direction:  echo.Inbound,
		IsIMessage: isIMessage,
		ObservedAt: now,
		Timestamp:  now,
	}
	b.HandleBatch(ctx, []watcher.Event{ev})
	return ev
}

// Run starts the watcher, receipt tracker and delivery goroutine, and blocks
// until ctx is cancelled. Producers stop first so the dispatcher sees every
// batch they emitted before it drains.
func (b *Bridge) Run(ctx context.Context) error {
	dispCtx, stopDispatcher := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatcher()
	dispDone := make(chan error, 1)
	go func() { dispDone <- b.dispatcher.Run(dispCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	if b.watcher != nil {
		g.Go(func() error { return b.watcher.Run(gctx) })
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}
	if b.tracker != nil {
		g.Go(func() error { return b.tracker.Run(gctx, b.cfg.ReceiptInterval, b.emitReceipts) })
	}
	err := g.Wait()

	stopDispatcher()
	if derr := <-dispDone; err == nil {
		err = derr
	}
	b.logger.Info("bridge stopped")
	return err
}

// StatusReport is the detailed view served on /status.
type StatusReport struct {
	stats.Snapshot
	Version         string `json:"version"`
	MockMode        bool   `json:"mock_mode"`
	PollInterval    string `json:"poll_interval"`
	StartPolicy     string `json:"start_policy"`
	EchoEntries     int    `json:"echo_entries"`
	TrackedSends    int    `json:"tracked_sends"`
	PendingBatches  int    `json:"pending_batches"`
	FailedForwards  int    `json:"failed_forwards"`
	RemoteURL       string `json:"remote_url"`
	RemoteReachable bool   `json:"remote_reachable"`
}

// Status assembles a StatusReport. It performs a remote health check.
func (b *Bridge) Status(ctx context.Context) StatusReport {
	r := StatusReport{
		Snapshot:        b.stats.Snapshot(),
		Version:         Version,
		MockMode:        b.watcher == nil,
		PollInterval:    b.cfg.PollInterval.String(),
		StartPolicy:     string(b.cfg.StartPolicy),
		EchoEntries:     b.echoes.Len(),
		PendingBatches:  b.dispatcher.Pending(),
		RemoteURL:       strings.TrimSuffix(b.client.URL(""), "/"),
		RemoteReachable: b.client.HealthCheck(ctx),
	}
	if b.tracker != nil {
		r.TrackedSends = b.tracker.Len()
	}
	if b.state != nil {
		if n, err := b.state.CountFailedForwards(); err == nil {
			r.FailedForwards = n
		}
	}
	return r
}
