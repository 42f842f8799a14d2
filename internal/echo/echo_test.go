package echo

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSet(ttl time.Duration) (*Set, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewSet(Options{TTL: ttl, Now: clk.Now}), clk
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  ok  ", "ok"},
		{"\tok\n", "ok"},
		{"line1\r\nline2", "line1\nline2"},
		{"ok!", "ok!"},
		{"a  b", "a  b"},
		{" ok ", "ok"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSet_MatchConsumesEntry(t *testing.T) {
	s, _ := newTestSet(time.Minute)
	s.Record("bridge-1", "+15551234567", "ok")

	e, ok := s.Match("+15551234567", " ok\n")
	if !ok {
		t.Fatal("expected match")
	}
	if e.ID != "bridge-1" {
		t.Errorf("ID = %q, want bridge-1", e.ID)
	}
	if _, ok := s.Match("+15551234567", "ok"); ok {
		t.Error("entry matched twice")
	}
}

func TestSet_FirstMatchWins(t *testing.T) {
	s, clk := newTestSet(time.Minute)
	s.Record("bridge-1", "+15551234567", "ok")
	clk.Advance(time.Second)
	s.Record("bridge-2", "+15551234567", "ok")

	e, _ := s.Match("+15551234567", "ok")
	if e.ID != "bridge-1" {
		t.Errorf("first match = %q, want bridge-1", e.ID)
	}
	e, _ = s.Match("+15551234567", "ok")
	if e.ID != "bridge-2" {
		t.Errorf("second match = %q, want bridge-2", e.ID)
	}
}

func TestSet_NoMatchOnDifferentHandleOrText(t *testing.T) {
	s, _ := newTestSet(time.Minute)
	s.Record("bridge-1", "+15551234567", "ok")

	if _, ok := s.Match("+15559999999", "ok"); ok {
		t.Error("matched different handle")
	}
	if _, ok := s.Match("+15551234567", "ok!"); ok {
		t.Error("matched different text")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestSet_EmailHandleCaseInsensitive(t *testing.T) {
	s, _ := newTestSet(time.Minute)
	s.Record("bridge-1", "User@iCloud.com", "see you at 6")

	e, ok := s.Match("user@icloud.com", "see you at 6")
	if !ok || e.ID != "bridge-1" {
		t.Fatalf("Match = %+v, %v; want bridge-1", e, ok)
	}
	if e.Handle != "user@icloud.com" {
		t.Errorf("Handle = %q, want lowercased", e.Handle)
	}
}

func TestHandleKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{" +15551234567 ", "+15551234567"},
		{"User@iCloud.com", "user@icloud.com"},
		{"+1 (555) 123-4567", "+1 (555) 123-4567"},
	}
	for _, tt := range tests {
		if got := HandleKey(tt.in); got != tt.want {
			t.Errorf("HandleKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSet_ExpiredEntriesDoNotMatch(t *testing.T) {
	s, clk := newTestSet(30 * time.Second)
	s.Record("bridge-1", "+15551234567", "ok")

	clk.Advance(31 * time.Second)
	if _, ok := s.Match("+15551234567", "ok"); ok {
		t.Error("expired entry matched")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after lazy purge", s.Len())
	}
}

func TestSet_PurgeOnRecordBoundsMemory(t *testing.T) {
	s, clk := newTestSet(10 * time.Second)
	for i := 0; i < 100; i++ {
		s.Record("id", "+15551234567", "x")
		clk.Advance(time.Second)
	}
	if got := s.Len(); got > 10 {
		t.Errorf("Len = %d, want at most 10 live entries", got)
	}
}

func TestSet_MaxEntries(t *testing.T) {
	s := NewSet(Options{TTL: time.Hour, MaxEntries: 2})
	s.Record("a", "+15551234567", "1")
	s.Record("b", "+15551234567", "2")
	s.Record("c", "+15551234567", "3")

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, ok := s.Match("+15551234567", "1"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestSet_Remove(t *testing.T) {
	s, _ := newTestSet(time.Minute)
	s.Record("bridge-1", "+15551234567", "ok")
	s.Remove("bridge-1")
	if _, ok := s.Match("+15551234567", "ok"); ok {
		t.Error("removed entry matched")
	}
}

func TestFilter_InboundAlwaysForwarded(t *testing.T) {
	s, _ := newTestSet(time.Minute)
	s.Record("bridge-1", "+15551234567", "ok")
	f := NewFilter(s)

	if !f.Allow(Inbound, "+15551234567", "ok") {
		t.Error("inbound message was suppressed")
	}
	if s.Len() != 1 {
		t.Error("inbound message consumed a correlation entry")
	}
}

func TestFilter_OutboundEcho(t *testing.T) {
	s, clk := newTestSet(time.Minute)
	f := NewFilter(s)

	s.Record("bridge-1", "+15551234567", "ok")
	if f.Allow(Outbound, "+15551234567", "ok") {
		t.Error("echo within TTL was forwarded")
	}

	s.Record("bridge-2", "+15551234567", "ok")
	clk.Advance(2 * time.Minute)
	if !f.Allow(Outbound, "+15551234567", "ok") {
		t.Error("echo after TTL expiry was suppressed")
	}
}

func TestFilter_ManualSendForwarded(t *testing.T) {
	s, _ := newTestSet(time.Minute)
	f := NewFilter(s)
	if !f.Allow(Outbound, "+15551234567", "sent from the phone") {
		t.Error("unmatched outbound message was suppressed")
	}
}

func TestSet_ConcurrentAccess(t *testing.T) {
	s := NewSet(Options{TTL: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Record("id", "+15551234567", "hi")
		}()
		go func() {
			defer wg.Done()
			s.Match("+15551234567", "hi")
		}()
	}
	wg.Wait()
	if s.Len() < 0 || s.Len() > 20 {
		t.Errorf("Len = %d out of range", s.Len())
	}
}
