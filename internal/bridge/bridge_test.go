package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb/chatdbtest"
	"github.com/Nightline-AI/iphone-bridge/internal/echo"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
	"github.com/Nightline-AI/iphone-bridge/internal/watcher"
	"github.com/Nightline-AI/iphone-bridge/internal/webhook"
)

type remote struct {
	mu       sync.Mutex
	messages []map[string]any
	statuses []map[string]any
	secrets  []string
}

func (r *remote) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.secrets = append(r.secrets, req.Header.Get("X-Bridge-Secret"))
		switch req.URL.Path {
		case "/webhooks/iphone-bridge/test-client/message":
			r.messages = append(r.messages, body)
		case "/webhooks/iphone-bridge/test-client/status":
			r.statuses = append(r.statuses, body)
		}
	})
}

func (r *remote) received() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.messages...)
}

func (r *remote) statusUpdates() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.statuses...)
}

func newTestClient(t *testing.T, r *remote) *webhook.Client {
	t.Helper()
	srv := httptest.NewServer(r.handler())
	t.Cleanup(srv.Close)
	return webhook.NewClient(webhook.ClientOptions{
		BaseURL:        srv.URL,
		ClientID:       "test-client",
		Secret:         "shared-secret",
		AttemptTimeout: 2 * time.Second,
	})
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		StartPolicy:  watcher.StartNow,
		EchoTTL:      time.Minute,
		Retry:        webhook.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	}
}

func runBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, func() bool { return b.Watcher() == nil || b.Watcher().Position() >= 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestInboundMessageForwarded: chat.db holds row 101 from +15551234567 with
// text "hi" and the cursor starts below it; one poll forwards exactly one
// webhook.
func TestInboundMessageForwarded(t *testing.T) {
	fx := chatdbtest.New(t)
	r := &remote{}
	cfg := testConfig()
	cfg.StartPolicy = watcher.StartEpoch
	b := New(fx.Reader(), sink.NewMockSender(), newTestClient(t, r), nil, cfg)

	t0 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	fx.AddWithID(101, chatdbtest.Row{GUID: "GUID-101", Handle: "+15551234567", Text: "hi", Date: t0})

	runBridge(t, b)
	waitFor(t, func() bool { return len(r.received()) == 1 })
	time.Sleep(50 * time.Millisecond)

	got := r.received()
	if len(got) != 1 {
		t.Fatalf("remote received %d messages, want 1", len(got))
	}
	m := got[0]
	if m["text"] != "hi" || m["phone"] != "+15551234567" {
		t.Errorf("payload = %v", m)
	}
	if id, _ := m["message_id"].(string); id == "" {
		t.Error("message_id is empty")
	}
	if m["event"] != "message.received" || m["received_at"] != "2025-01-02T03:04:05Z" || m["is_imessage"] != true {
		t.Errorf("payload = %v", m)
	}
	if _, ok := m["is_from_me"]; ok {
		t.Error("inbound payload carries is_from_me")
	}

	snap := b.Stats().Snapshot()
	if snap.MessagesReceived != 1 || snap.MessagesForwarded != 1 {
		t.Errorf("stats = %+v", snap)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s != "shared-secret" {
			t.Errorf("X-Bridge-Secret = %q", s)
		}
	}
}

// TestSendEchoSuppressed: a successful send of "ok" followed by chat.db
// recording the same outbound text produces no forward.
func TestSendEchoSuppressed(t *testing.T) {
	fx := chatdbtest.New(t)
	r := &remote{}
	b := New(fx.Reader(), sink.NewMockSender(), newTestClient(t, r), nil, testConfig())
	runBridge(t, b)

	res := b.Send(context.Background(), "+15551234567", "ok")
	if !res.Success {
		t.Fatalf("Send = %+v", res)
	}

	fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: "ok", FromMe: true})
	// An inbound row after the echo proves the poll covering the echo ran.
	fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: "thanks"})

	waitFor(t, func() bool { return len(r.received()) >= 1 })
	time.Sleep(50 * time.Millisecond)

	got := r.received()
	if len(got) != 1 || got[0]["text"] != "thanks" {
		t.Fatalf("remote received %v, want only the inbound reply", got)
	}
	if n := b.Stats().EchoesSuppressed.Value(); n != 1 {
		t.Errorf("EchoesSuppressed = %d, want 1", n)
	}
}

func TestEchoAfterTTLForwarded(t *testing.T) {
	r := &remote{}
	b := New(nil, sink.NewMockSender(), newTestClient(t, r), nil, testConfig())

	now := time.Now()
	b.echoes = echo.NewSet(echo.Options{TTL: time.Minute, Now: func() time.Time { return now }})
	b.filter = echo.NewFilter(b.echoes)
	b.echoes.Record("bridge-1", "+15551234567", "ok")
	now = now.Add(2 * time.Minute)

	runBridge(t, b)
	b.HandleBatch(context.Background(), []watcher.Event{{
		ID: "G1", Handle: "+15551234567", Text: "ok", Direction: echo.Outbound, Timestamp: now,
	}})

	waitFor(t, func() bool { return len(r.received()) == 1 })
	if got := r.received()[0]; got["is_from_me"] != true {
		t.Errorf("forwarded outbound payload = %v, want is_from_me", got)
	}
}

func TestManualOutboundForwarded(t *testing.T) {
	fx := chatdbtest.New(t)
	r := &remote{}
	b := New(fx.Reader(), sink.NewMockSender(), newTestClient(t, r), nil, testConfig())
	runBridge(t, b)

	fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: "typed on the phone", FromMe: true})
	waitFor(t, func() bool { return len(r.received()) == 1 })
}

func TestSendValidationFailure(t *testing.T) {
	sender := sink.NewMockSender()
	b := New(nil, sender, newTestClient(t, &remote{}), nil, testConfig())

	res := b.Send(context.Background(), "+15551234567", "   ")
	if res.Success || res.Kind != sink.KindValidation {
		t.Errorf("Send = %+v, want validation failure", res)
	}
	if len(sender.Sent()) != 0 {
		t.Error("sender invoked for invalid request")
	}
	if b.echoes.Len() != 0 {
		t.Error("correlation entry created for invalid request")
	}
}

func TestInject(t *testing.T) {
	r := &remote{}
	b := New(nil, sink.NewMockSender(), newTestClient(t, r), nil, testConfig())
	runBridge(t, b)

	ev := b.Inject(context.Background(), "5551234567", "hello from test", true)
	if ev.Handle != "+15551234567" || ev.Direction != echo.Inbound {
		t.Errorf("event = %+v", ev)
	}
	waitFor(t, func() bool { return len(r.received()) == 1 })
	if got := r.received()[0]; got["message_id"] != ev.ID {
		t.Errorf("message_id = %v, want %s", got["message_id"], ev.ID)
	}
	if b.Stats().WatcherRunning() {
		t.Error("mock pipeline has no watcher but reports one running")
	}
}

func TestReceiptsReported(t *testing.T) {
	fx := chatdbtest.New(t)
	r := &remote{}
	b := New(fx.Reader(), sink.NewMockSender(), newTestClient(t, r), nil, testConfig())
	runBridge(t, b)

	if res := b.Send(context.Background(), "+15551234567", "see you"); !res.Success {
		t.Fatalf("Send = %+v", res)
	}
	fx.Add(chatdbtest.Row{GUID: "OUT-1", Handle: "+15551234567", Text: "see you", FromMe: true})
	waitFor(t, func() bool { return b.tracker.Len() == 1 && b.Watcher().Position() >= 1 })

	fx.SetReceipt("OUT-1", time.Now(), time.Time{})
	waitFor(t, func() bool { return len(r.statusUpdates()) == 1 })

	got := r.statusUpdates()[0]
	if got["event"] != "message.delivered" || got["message_id"] != "OUT-1" || got["phone"] != "+15551234567" {
		t.Errorf("status payload = %v", got)
	}
	if len(r.received()) != 0 {
		t.Errorf("echo was forwarded: %v", r.received())
	}
}

func TestFailedForwardRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	client := webhook.NewClient(webhook.ClientOptions{BaseURL: srv.URL, ClientID: "c"})

	state, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer state.Close()

	b := New(nil, sink.NewMockSender(), client, state, testConfig())
	runBridge(t, b)
	b.Inject(context.Background(), "+15551234567", "lost", true)

	waitFor(t, func() bool {
		n, _ := state.CountFailedForwards()
		return n == 1
	})
	recs, err := state.ListFailedForwards(1)
	if err != nil {
		t.Fatalf("ListFailedForwards: %v", err)
	}
	if recs[0].Reason != storage.ReasonPermanent || recs[0].Phone != "+15551234567" {
		t.Errorf("record = %+v", recs[0])
	}
	if b.Stats().ForwardPermanentFailures.Value() != 1 {
		t.Errorf("ForwardPermanentFailures = %d", b.Stats().ForwardPermanentFailures.Value())
	}
}

func TestStatus(t *testing.T) {
	r := &remote{}
	b := New(nil, sink.NewMockSender(), newTestClient(t, r), nil, testConfig())
	rep := b.Status(context.Background())
	if !rep.MockMode || rep.Version != Version || rep.PollInterval != "10ms" {
		t.Errorf("report = %+v", rep)
	}
	if !rep.RemoteReachable {
		t.Error("RemoteReachable = false for a healthy remote")
	}
}

// TestBacklogAttachmentsReadAtDelivery: a backlog larger than BatchLimit is
// queued one page at a time, and attachment files are read only when their
// delivery starts.
func TestBacklogAttachmentsReadAtDelivery(t *testing.T) {
	fx := chatdbtest.New(t)
	r := &remote{}
	cfg := testConfig()
	cfg.StartPolicy = watcher.StartEpoch
	cfg.BatchLimit = 2
	b := New(fx.Reader(), sink.NewMockSender(), newTestClient(t, r), nil, cfg)

	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img%d.jpg", i))
		if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
			t.Fatal(err)
		}
		id := fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: fmt.Sprintf("m%d", i)})
		fx.AttachFile(id, path, "image/jpeg", 5)
	}

	evs, err := b.Watcher().PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("PollOnce emitted %d events, want BatchLimit 2", len(evs))
	}
	if n := b.dispatcher.Pending(); n != 1 {
		t.Fatalf("pending batches = %d, want 1", n)
	}

	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img%d.jpg", i))
		if err := os.WriteFile(path, []byte("fresh"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	runBridge(t, b)
	waitFor(t, func() bool { return len(r.received()) == 5 })

	want := base64.StdEncoding.EncodeToString([]byte("fresh"))
	for i, m := range r.received() {
		atts, _ := m["attachments"].([]any)
		if len(atts) != 1 {
			t.Fatalf("message %d attachments = %v", i, m["attachments"])
		}
		if got := atts[0].(map[string]any)["data_base64"]; got != want {
			t.Errorf("message %d data = %v, want file contents at delivery time", i, got)
		}
	}
}

// TestInjectAfterStopRecorded: a message handed to a stopped bridge is
// written to the failure log instead of sitting in the queue.
func TestInjectAfterStopRecorded(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := &remote{}
	b := New(nil, sink.NewMockSender(), newTestClient(t, r), store, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	ev := b.Inject(context.Background(), "+15551234567", "too late", true)

	if n := b.dispatcher.Pending(); n != 0 {
		t.Errorf("pending batches = %d, want 0", n)
	}
	if n := b.Stats().ForwardDropped.Value(); n != 1 {
		t.Errorf("ForwardDropped = %d, want 1", n)
	}
	rows, err := store.ListFailedForwards(10)
	if err != nil {
		t.Fatalf("ListFailedForwards: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageID != ev.ID || rows[0].Reason != storage.ReasonInterrupted {
		t.Errorf("failure log = %+v", rows)
	}
}
