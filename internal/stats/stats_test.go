package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCounters_ConcurrentIncrements(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.MessagesReceived.Inc()
			s.SendsAccepted.Inc()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.MessagesReceived != 50 {
		t.Errorf("MessagesReceived = %d, want 50", snap.MessagesReceived)
	}
	if snap.SendsAccepted != 50 {
		t.Errorf("SendsAccepted = %d, want 50", snap.SendsAccepted)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New()
	s.MessagesForwarded.Inc()
	snap := s.Snapshot()
	s.MessagesForwarded.Inc()

	if snap.MessagesForwarded != 1 {
		t.Errorf("snapshot changed after later increment: %d", snap.MessagesForwarded)
	}
	if got := s.Snapshot().MessagesForwarded; got != 2 {
		t.Errorf("MessagesForwarded = %d, want 2", got)
	}
}

func TestSnapshot_WatcherAndPoll(t *testing.T) {
	s := New()
	if s.Snapshot().WatcherRunning {
		t.Error("watcher should start not running")
	}
	if !s.Snapshot().LastPollAt.IsZero() {
		t.Error("LastPollAt should be zero before the first poll")
	}

	s.SetWatcherRunning(true)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.ObservePoll(at, 42)

	snap := s.Snapshot()
	if !snap.WatcherRunning {
		t.Error("WatcherRunning = false, want true")
	}
	if !snap.LastPollAt.Equal(at) {
		t.Errorf("LastPollAt = %v, want %v", snap.LastPollAt, at)
	}
	if snap.Cursor != 42 {
		t.Errorf("Cursor = %d, want 42", snap.Cursor)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %v, want >= 0", snap.UptimeSeconds)
	}
}
