package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/storage"
)

const (
	defaultQueueSize    = 64
	defaultEventTimeout = 10 * time.Minute
	defaultEnqueueWait  = time.Second
)

var (
	errQueueFull    = errors.New("delivery queue full")
	errShuttingDown = errors.New("bridge shutting down")
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	QueueSize    int
	EventTimeout time.Duration
	EnqueueWait  time.Duration
	Logger       *slog.Logger
}

// Dispatcher decouples delivery from polling. Batches are queued on a bounded
// channel and consumed by a single goroutine that delivers the events of a
// batch in order, each bounded by EventTimeout. Attachment files are read
// just before each event's first attempt, so queued batches stay small.
type Dispatcher struct {
	// mu orders Enqueue against shutdown: once stopped is set no batch can
	// reach the queue, and drain sees every batch that did.
	mu      sync.RWMutex
	stopped bool

	deliverer    *Deliverer
	queue        chan []Delivery
	eventTimeout time.Duration
	enqueueWait  time.Duration
	logger       *slog.Logger
}

// NewDispatcher creates a Dispatcher around d.
func NewDispatcher(d *Deliverer, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = defaultEventTimeout
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = defaultEnqueueWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		deliverer:    d,
		queue:        make(chan []Delivery, opts.QueueSize),
		eventTimeout: opts.EventTimeout,
		enqueueWait:  opts.EnqueueWait,
		logger:       opts.Logger,
	}
}

// Enqueue hands a batch to the delivery goroutine. It waits at most the
// configured enqueue wait for queue space; a batch that still does not fit,
// or that arrives after Run has returned, is abandoned, counted and
// recorded. Returns whether the batch was queued.
func (d *Dispatcher) Enqueue(batch []Delivery) bool {
	if len(batch) == 0 {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.logger.Warn("delivery stopped, recording batch", "size", len(batch))
		d.abandon(batch, errShuttingDown)
		return false
	}

	select {
	case d.queue <- batch:
		return true
	default:
	}

	t := time.NewTimer(d.enqueueWait)
	defer t.Stop()
	select {
	case d.queue <- batch:
		return true
	case <-t.C:
		d.logger.Error("delivery queue full, dropping batch", "size", len(batch))
		d.abandon(batch, errQueueFull)
		return false
	}
}

func (d *Dispatcher) abandon(batch []Delivery, cause error) {
	for _, del := range batch {
		d.deliverer.Abandon(del, storage.ReasonInterrupted, cause)
	}
}

// Pending returns the number of queued batches.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run consumes batches until ctx is cancelled. The delivery in progress at
// cancellation finishes its current attempt; everything after it is
// abandoned and recorded rather than silently lost.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain()
			return nil
		case batch := <-d.queue:
			d.deliverBatch(ctx, batch)
		}
	}
}

func (d *Dispatcher) deliverBatch(ctx context.Context, batch []Delivery) {
	for i, del := range batch {
		if ctx.Err() != nil {
			d.abandon(batch[i:], errShuttingDown)
			return
		}
		evCtx, cancel := context.WithTimeout(ctx, d.eventTimeout)
		d.deliverer.Deliver(evCtx, del.inline(evCtx, d.logger))
		cancel()
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case batch := <-d.queue:
			d.abandon(batch, errShuttingDown)
		default:
			return
		}
	}
}
