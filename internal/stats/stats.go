// Package stats holds the bridge's process-wide counters. Counters only ever
// grow so consumers can detect staleness by polling deltas.
package stats

import (
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Stats aggregates bridge counters and liveness flags.
type Stats struct {
	MessagesReceived         Counter
	MessagesForwarded        Counter
	ForwardTransientFailures Counter
	ForwardPermanentFailures Counter
	ForwardDropped           Counter
	PollFailures             Counter
	EchoesSuppressed         Counter
	SendsAccepted            Counter
	SendsFailed              Counter
	StatusUpdatesSent        Counter

	startedAt      time.Time
	watcherRunning atomic.Bool
	lastPollAt     atomic.Int64 // unix nanos
	cursor         atomic.Int64
}

// New returns a Stats whose uptime is measured from now.
func New() *Stats {
	return &Stats{startedAt: time.Now().UTC()}
}

// StartedAt returns when the process started.
func (s *Stats) StartedAt() time.Time { return s.startedAt }

// SetWatcherRunning flips the watcher liveness flag.
func (s *Stats) SetWatcherRunning(running bool) { s.watcherRunning.Store(running) }

// WatcherRunning reports the watcher liveness flag.
func (s *Stats) WatcherRunning() bool { return s.watcherRunning.Load() }

// ObservePoll records a completed poll and the cursor it left behind.
func (s *Stats) ObservePoll(at time.Time, cursor int64) {
	s.lastPollAt.Store(at.UnixNano())
	s.cursor.Store(cursor)
}

// Snapshot is a read-only copy of Stats at a point in time.
type Snapshot struct {
	StartedAt                time.Time `json:"started_at"`
	UptimeSeconds            float64   `json:"uptime_seconds"`
	WatcherRunning           bool      `json:"watcher_running"`
	LastPollAt               time.Time `json:"last_poll_at,omitempty"`
	Cursor                   int64     `json:"cursor"`
	MessagesReceived         int64     `json:"messages_received"`
	MessagesForwarded        int64     `json:"messages_forwarded"`
	ForwardTransientFailures int64     `json:"forward_transient_failures"`
	ForwardPermanentFailures int64     `json:"forward_permanent_failures"`
	ForwardDropped           int64     `json:"forward_dropped"`
	PollFailures             int64     `json:"poll_failures"`
	EchoesSuppressed         int64     `json:"echoes_suppressed"`
	SendsAccepted            int64     `json:"sends_accepted"`
	SendsFailed              int64     `json:"sends_failed"`
	StatusUpdatesSent        int64     `json:"status_updates_sent"`
}

// Snapshot copies the current values.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt:                s.startedAt,
		UptimeSeconds:            time.Since(s.startedAt).Seconds(),
		WatcherRunning:           s.watcherRunning.Load(),
		Cursor:                   s.cursor.Load(),
		MessagesReceived:         s.MessagesReceived.Value(),
		MessagesForwarded:        s.MessagesForwarded.Value(),
		ForwardTransientFailures: s.ForwardTransientFailures.Value(),
		ForwardPermanentFailures: s.ForwardPermanentFailures.Value(),
		ForwardDropped:           s.ForwardDropped.Value(),
		PollFailures:             s.PollFailures.Value(),
		EchoesSuppressed:         s.EchoesSuppressed.Value(),
		SendsAccepted:            s.SendsAccepted.Value(),
		SendsFailed:              s.SendsFailed.Value(),
		StatusUpdatesSent:        s.StatusUpdatesSent.Value(),
	}
	if ns := s.lastPollAt.Load(); ns != 0 {
		snap.LastPollAt = time.Unix(0, ns).UTC()
	}
	return snap
}
