package chatdb_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/chatdb/chatdbtest"
)

func TestReader_MissingStore(t *testing.T) {
	r := chatdb.NewReader(filepath.Join(t.TempDir(), "nope.db"))
	_, err := r.MaxRowID(context.Background())
	if !errors.Is(err, chatdb.ErrStoreMissing) {
		t.Fatalf("err = %v, want ErrStoreMissing", err)
	}
	if !chatdb.IsTransient(err) {
		t.Error("missing store should be transient")
	}
}

func TestReader_MaxRowID(t *testing.T) {
	fx := chatdbtest.New(t)
	r := fx.Reader()

	got, err := r.MaxRowID(context.Background())
	if err != nil {
		t.Fatalf("MaxRowID: %v", err)
	}
	if got != 0 {
		t.Errorf("empty store MaxRowID = %d, want 0", got)
	}

	fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: "one"})
	id := fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: "two"})

	got, err = r.MaxRowID(context.Background())
	if err != nil {
		t.Fatalf("MaxRowID: %v", err)
	}
	if got != id {
		t.Errorf("MaxRowID = %d, want %d", got, id)
	}
}

func TestReader_MessagesAfter(t *testing.T) {
	fx := chatdbtest.New(t)
	r := fx.Reader()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := fx.Add(chatdbtest.Row{Handle: "5551234567", Text: "hello", Date: ts, Service: "SMS"})
	fx.Add(chatdbtest.Row{Handle: "5551234567", NoText: true})
	third := fx.Add(chatdbtest.Row{Handle: "5551234567", Text: "reply", FromMe: true, Date: ts})

	msgs, err := r.MessagesAfter(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (text-less row skipped)", len(msgs))
	}
	if msgs[0].RowID != first || msgs[1].RowID != third {
		t.Errorf("rowids = %d,%d want %d,%d", msgs[0].RowID, msgs[1].RowID, first, third)
	}
	m := msgs[0]
	if m.Handle != "+15551234567" {
		t.Errorf("Handle = %q, want normalized E.164", m.Handle)
	}
	if !m.Date.Equal(ts) {
		t.Errorf("Date = %v, want %v", m.Date, ts)
	}
	if m.IsIMessage() {
		t.Error("SMS row reported as iMessage")
	}
	if m.IsFromMe {
		t.Error("first row should be inbound")
	}
	if !msgs[1].IsFromMe {
		t.Error("third row should be from me")
	}

	after, err := r.MessagesAfter(context.Background(), third, 0)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("got %d messages after last rowid, want 0", len(after))
	}
}

func TestReader_MessagesAfter_Limit(t *testing.T) {
	fx := chatdbtest.New(t)
	r := fx.Reader()
	for i := 0; i < 5; i++ {
		fx.Add(chatdbtest.Row{Handle: "+15551234567", Text: "m"})
	}
	msgs, err := r.MessagesAfter(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d, want 3", len(msgs))
	}
	if msgs[0].RowID >= msgs[2].RowID {
		t.Error("messages not in ascending rowid order")
	}
}

func TestReader_Attachments(t *testing.T) {
	fx := chatdbtest.New(t)
	r := fx.Reader()

	id := fx.Add(chatdbtest.Row{Handle: "+15551234567", NoText: true})
	fx.AttachFile(id, "/tmp/IMG_0001.heic", "image/heic", 2048)

	msgs, err := r.MessagesAfter(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].HasAttachments {
		t.Fatalf("attachment-only message not returned: %+v", msgs)
	}

	atts, err := r.Attachments(context.Background(), id)
	if err != nil {
		t.Fatalf("Attachments: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	if atts[0].Filename != "IMG_0001.heic" || atts[0].MIMEType != "image/heic" || atts[0].SizeBytes != 2048 {
		t.Errorf("unexpected attachment: %+v", atts[0])
	}
}

func TestReader_ReceiptsAndRecentOutgoing(t *testing.T) {
	fx := chatdbtest.New(t)
	r := fx.Reader()
	now := time.Now().UTC()

	fx.Add(chatdbtest.Row{GUID: "out-1", Handle: "+15551234567", Text: "ok", FromMe: true, Date: now})
	fx.Add(chatdbtest.Row{GUID: "in-1", Handle: "+15551234567", Text: "hi", Date: now})
	delivered := now.Add(time.Second)
	fx.SetReceipt("out-1", delivered, time.Time{})

	out, err := r.RecentOutgoing(context.Background(), now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("RecentOutgoing: %v", err)
	}
	if len(out) != 1 || out[0].GUID != "out-1" || out[0].Text != "ok" {
		t.Fatalf("RecentOutgoing = %+v", out)
	}

	rcs, err := r.ReceiptsFor(context.Background(), []string{"out-1", "in-1"})
	if err != nil {
		t.Fatalf("ReceiptsFor: %v", err)
	}
	if len(rcs) != 1 {
		t.Fatalf("got %d receipts, want 1 (inbound excluded)", len(rcs))
	}
	if !rcs[0].DateDelivered.Equal(delivered) {
		t.Errorf("DateDelivered = %v, want %v", rcs[0].DateDelivered, delivered)
	}
	if !rcs[0].DateRead.IsZero() {
		t.Errorf("DateRead = %v, want zero", rcs[0].DateRead)
	}
}
