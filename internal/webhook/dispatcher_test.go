package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
)

func TestDispatcher_DeliversBatchInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	d, st, _ := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		got = append(got, p.MessageID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	}), fastPolicy(1))

	disp := NewDispatcher(d, DispatcherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	var batch []Delivery
	for _, id := range []string{"a", "b", "c"} {
		batch = append(batch, NewMessageDelivery(Payload{Event: EventMessageReceived, MessageID: id}))
	}
	if !disp.Enqueue(batch) {
		t.Fatal("Enqueue returned false")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("delivery order = %v, want [a b c]", got)
	}
	if st.Snapshot().MessagesForwarded != 3 {
		t.Errorf("MessagesForwarded = %d, want 3", st.Snapshot().MessagesForwarded)
	}
}

func TestDispatcher_EnqueueDoesNotBlockOnStalledDelivery(t *testing.T) {
	release := make(chan struct{})
	d, st, ff := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}), fastPolicy(1))
	defer close(release)

	disp := NewDispatcher(d, DispatcherOptions{QueueSize: 1, EnqueueWait: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	one := []Delivery{NewMessageDelivery(Payload{MessageID: "1"})}
	disp.Enqueue(one) // picked up, stalls in the handler

	// Wait for the consumer to take the first batch.
	deadline := time.Now().Add(2 * time.Second)
	for disp.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	disp.Enqueue([]Delivery{NewMessageDelivery(Payload{MessageID: "2"})}) // fills queue

	start := time.Now()
	ok := disp.Enqueue([]Delivery{NewMessageDelivery(Payload{MessageID: "3"})})
	if ok {
		t.Fatal("Enqueue on a full queue should report a dropped batch")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Enqueue blocked for %v", elapsed)
	}
	if st.Snapshot().ForwardDropped != 1 {
		t.Errorf("ForwardDropped = %d, want 1", st.Snapshot().ForwardDropped)
	}
	recs := ff.all()
	if len(recs) != 1 || recs[0].MessageID != "3" || recs[0].Reason != storage.ReasonInterrupted {
		t.Errorf("failure log = %+v", recs)
	}
}

func TestDispatcher_ShutdownRecordsQueuedBatches(t *testing.T) {
	d, st, ff := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), fastPolicy(1))
	disp := NewDispatcher(d, DispatcherOptions{QueueSize: 4})

	disp.Enqueue([]Delivery{
		NewMessageDelivery(Payload{MessageID: "x"}),
		NewMessageDelivery(Payload{MessageID: "y"}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := disp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := st.Snapshot()
	if snap.MessagesForwarded+snap.ForwardDropped != 2 {
		t.Errorf("forwarded %d + dropped %d, want 2 accounted for", snap.MessagesForwarded, snap.ForwardDropped)
	}
	if int64(len(ff.all())) != snap.ForwardDropped {
		t.Errorf("failure log rows = %d, dropped = %d", len(ff.all()), snap.ForwardDropped)
	}
}

func TestDispatcher_EventTimeout(t *testing.T) {
	d, st, _ := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}), RetryPolicy{MaxAttempts: 100, InitialDelay: 20 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second})

	disp := NewDispatcher(d, DispatcherOptions{EventTimeout: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp.deliverBatch(ctx, []Delivery{NewMessageDelivery(Payload{MessageID: "slow"})})

	snap := st.Snapshot()
	if snap.ForwardDropped != 1 {
		t.Errorf("ForwardDropped = %d, want 1", snap.ForwardDropped)
	}
	if snap.ForwardTransientFailures >= 100 {
		t.Errorf("event timeout did not bound retries: %d attempts", snap.ForwardTransientFailures)
	}
}

func TestDispatcher_ReadsAttachmentsAtDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("queued"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan Payload, 1)
	d, _, _ := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		json.NewDecoder(r.Body).Decode(&p)
		got <- p
	}), fastPolicy(1))
	disp := NewDispatcher(d, DispatcherOptions{})

	del := NewMessageDelivery(Payload{Event: EventMessageReceived, MessageID: "att"},
		chatdb.Attachment{Filename: "photo.jpg", Path: path, MIMEType: "image/jpeg", SizeBytes: 6})
	queued := del.Body.(Payload)
	if len(queued.Attachments) != 1 || queued.Attachments[0].DataBase64 != "" {
		t.Fatalf("queued attachments = %+v, want metadata only", queued.Attachments)
	}
	disp.Enqueue([]Delivery{del})

	// The file changes while the batch waits; the delivered body must carry
	// what is on disk when the attempt starts.
	if err := os.WriteFile(path, []byte("current"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	select {
	case p := <-got:
		if len(p.Attachments) != 1 {
			t.Fatalf("attachments = %+v", p.Attachments)
		}
		if want := base64.StdEncoding.EncodeToString([]byte("current")); p.Attachments[0].DataBase64 != want {
			t.Errorf("data = %q, want %q", p.Attachments[0].DataBase64, want)
		}
		if p.Attachments[0].MIMEType != "image/jpeg" {
			t.Errorf("mime = %q", p.Attachments[0].MIMEType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDispatcher_EnqueueAfterStopRecorded(t *testing.T) {
	d, st, ff := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), fastPolicy(1))
	disp := NewDispatcher(d, DispatcherOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := disp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if disp.Enqueue([]Delivery{NewMessageDelivery(Payload{MessageID: "late"})}) {
		t.Fatal("Enqueue after Run returned should report the batch as not queued")
	}
	if disp.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", disp.Pending())
	}
	if st.Snapshot().ForwardDropped != 1 {
		t.Errorf("ForwardDropped = %d, want 1", st.Snapshot().ForwardDropped)
	}
	recs := ff.all()
	if len(recs) != 1 || recs[0].MessageID != "late" || recs[0].Reason != storage.ReasonInterrupted {
		t.Errorf("failure log = %+v", recs)
	}
}
