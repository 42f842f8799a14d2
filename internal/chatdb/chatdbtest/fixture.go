// Package chatdbtest builds throwaway chat.db files with the subset of the
// Messages schema the bridge reads.
package chatdbtest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
)

const schema = `
CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL
);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	text TEXT,
	handle_id INTEGER DEFAULT 0,
	service TEXT,
	date INTEGER DEFAULT 0,
	date_delivered INTEGER DEFAULT 0,
	date_read INTEGER DEFAULT 0,
	is_from_me INTEGER DEFAULT 0,
	cache_has_attachments INTEGER DEFAULT 0
);
CREATE TABLE attachment (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT,
	mime_type TEXT,
	total_bytes INTEGER DEFAULT 0,
	transfer_name TEXT
);
CREATE TABLE message_attachment_join (
	message_id INTEGER,
	attachment_id INTEGER
);`

// Row describes a message to insert.
type Row struct {
	GUID    string
	Handle  string
	Text    string
	FromMe  bool
	Service string
	Date    time.Time
	NoText  bool // stored with NULL text, like tapbacks and receipt-only rows
}

// Fixture is a writable chat.db on disk.
type Fixture struct {
	Path string
	db   *sql.DB
	t    *testing.T
	seq  int
}

// New creates an empty chat.db under t.TempDir().
func New(t *testing.T) *Fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening fixture db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("creating fixture schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Fixture{Path: path, db: db, t: t}
}

// Reader returns a chatdb.Reader over the fixture, closed on cleanup.
func (f *Fixture) Reader() *chatdb.Reader {
	r := chatdb.NewReader(f.Path)
	f.t.Cleanup(func() { r.Close() })
	return r
}

// DB exposes the writable connection for tests that need raw statements.
func (f *Fixture) DB() *sql.DB {
	return f.db
}

func (f *Fixture) nextGUID() string {
	f.seq++
	return fmt.Sprintf("fixture-guid-%d", f.seq)
}

func (f *Fixture) handleID(handle string) int64 {
	f.t.Helper()
	var id int64
	err := f.db.QueryRow("SELECT ROWID FROM handle WHERE id = ?", handle).Scan(&id)
	if err == nil {
		return id
	}
	res, err := f.db.Exec("INSERT INTO handle (id) VALUES (?)", handle)
	if err != nil {
		f.t.Fatalf("inserting handle: %v", err)
	}
	id, _ = res.LastInsertId()
	return id
}

// Add inserts a message and returns its ROWID.
func (f *Fixture) Add(r Row) int64 {
	f.t.Helper()
	if r.GUID == "" {
		r.GUID = f.nextGUID()
	}
	if r.Service == "" {
		r.Service = "iMessage"
	}
	if r.Date.IsZero() {
		r.Date = time.Now().UTC()
	}
	var text any = r.Text
	if r.NoText {
		text = nil
	}
	fromMe := 0
	if r.FromMe {
		fromMe = 1
	}
	res, err := f.db.Exec(`
		INSERT INTO message (guid, text, handle_id, service, date, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.GUID, text, f.handleID(r.Handle), r.Service, chatdb.ToAppleTime(r.Date), fromMe)
	if err != nil {
		f.t.Fatalf("inserting message: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// AddWithID inserts a message with an explicit ROWID.
func (f *Fixture) AddWithID(rowID int64, r Row) {
	f.t.Helper()
	if r.GUID == "" {
		r.GUID = f.nextGUID()
	}
	if r.Service == "" {
		r.Service = "iMessage"
	}
	if r.Date.IsZero() {
		r.Date = time.Now().UTC()
	}
	fromMe := 0
	if r.FromMe {
		fromMe = 1
	}
	if _, err := f.db.Exec(`
		INSERT INTO message (ROWID, guid, text, handle_id, service, date, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rowID, r.GUID, r.Text, f.handleID(r.Handle), r.Service, chatdb.ToAppleTime(r.Date), fromMe); err != nil {
		f.t.Fatalf("inserting message %d: %v", rowID, err)
	}
}

// AttachFile links an attachment row to a message.
func (f *Fixture) AttachFile(rowID int64, filename, mimeType string, size int64) {
	f.t.Helper()
	res, err := f.db.Exec(`INSERT INTO attachment (filename, mime_type, total_bytes, transfer_name) VALUES (?, ?, ?, ?)`,
		filename, mimeType, size, filepath.Base(filename))
	if err != nil {
		f.t.Fatalf("inserting attachment: %v", err)
	}
	attID, _ := res.LastInsertId()
	if _, err := f.db.Exec(`INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (?, ?)`, rowID, attID); err != nil {
		f.t.Fatalf("joining attachment: %v", err)
	}
	if _, err := f.db.Exec(`UPDATE message SET cache_has_attachments = 1 WHERE ROWID = ?`, rowID); err != nil {
		f.t.Fatalf("flagging attachment: %v", err)
	}
}

// SetReceipt stamps delivery and read times on a message.
func (f *Fixture) SetReceipt(guid string, delivered, read time.Time) {
	f.t.Helper()
	if _, err := f.db.Exec(`UPDATE message SET date_delivered = ?, date_read = ? WHERE guid = ?`,
		chatdb.ToAppleTime(delivered), chatdb.ToAppleTime(read), guid); err != nil {
		f.t.Fatalf("updating receipt: %v", err)
	}
}
