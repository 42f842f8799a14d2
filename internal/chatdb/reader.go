package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBatchLimit caps how many rows a single poll reads.
const DefaultBatchLimit = 100

// DefaultPath returns ~/Library/Messages/chat.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("Library", "Messages", "chat.db")
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Reader is a read-only view over chat.db. The connection is opened lazily so
// the bridge can start before Full Disk Access is granted.
type Reader struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewReader returns a Reader for the database at path. No I/O happens until
// the first query.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Path returns the database file path.
func (r *Reader) Path() string {
	return r.path
}

func (r *Reader) conn() (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		return r.db, nil
	}

	if _, err := os.Stat(r.path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreMissing, r.path, err)
	}

	db, err := sql.Open("sqlite", "file:"+r.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStoreMissing, r.path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging %s: %v", ErrStoreMissing, r.path, err)
	}

	db.SetMaxOpenConns(1)

	// Wait briefly on the Messages app's write lock instead of failing at once.
	if _, err := db.Exec("PRAGMA busy_timeout = 1000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	r.db = db
	return db, nil
}

// Close releases the underlying connection, if one was opened.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// IsTransient reports whether err is worth retrying on the next poll.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreBusy) || errors.Is(err, ErrStoreMissing)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrStoreBusy, err)
	}
	return err
}

// MaxRowID returns the highest message ROWID, or 0 for an empty store.
func (r *Reader) MaxRowID(ctx context.Context) (int64, error) {
	db, err := r.conn()
	if err != nil {
		return 0, err
	}
	var maxID sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return 0, classify(fmt.Errorf("reading max rowid: %w", err))
	}
	return maxID.Int64, nil
}

// MessagesAfter returns rows with ROWID > after in ascending ROWID order.
// Rows carrying neither text nor attachments (reactions, edits, receipts-only
// rows) are skipped by the query but still count towards the ROWID sequence.
func (r *Reader) MessagesAfter(ctx context.Context, after int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	db, err := r.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT
			m.ROWID, m.guid, m.text, m.date, m.is_from_me, m.service,
			m.cache_has_attachments, m.date_delivered, m.date_read, h.id
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.ROWID > ?
		  AND ((m.text IS NOT NULL AND m.text != '') OR m.cache_has_attachments = 1)
		ORDER BY m.ROWID ASC
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("querying messages: %w", err))
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                        Message
			guid, text, service, hid sql.NullString
			date, delivered, read    sql.NullInt64
			fromMe, hasAttachments   sql.NullInt64
		)
		if err := rows.Scan(&m.RowID, &guid, &text, &date, &fromMe, &service,
			&hasAttachments, &delivered, &read, &hid); err != nil {
			return nil, classify(fmt.Errorf("scanning message: %w", err))
		}
		m.GUID = guid.String
		m.Text = text.String
		m.Date = FromAppleTime(date.Int64)
		m.IsFromMe = fromMe.Int64 != 0
		m.Service = service.String
		m.HasAttachments = hasAttachments.Int64 != 0
		m.DateDelivered = FromAppleTime(delivered.Int64)
		m.DateRead = FromAppleTime(read.Int64)
		handle := hid.String
		if handle == "" {
			handle = "unknown"
		}
		m.Handle = NormalizeHandle(handle)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating messages: %w", err))
	}
	return out, nil
}

// Attachments returns the attachments joined to the given message ROWID.
// A leading "~" in stored paths is expanded to the user's home directory.
func (r *Reader) Attachments(ctx context.Context, rowID int64) ([]Attachment, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT a.filename, a.mime_type, a.total_bytes, a.transfer_name
		FROM attachment a
		INNER JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
		WHERE maj.message_id = ?`, rowID)
	if err != nil {
		return nil, classify(fmt.Errorf("querying attachments: %w", err))
	}
	defer rows.Close()

	home, _ := os.UserHomeDir()

	var out []Attachment
	for rows.Next() {
		var filename, mimeType, transferName sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&filename, &mimeType, &size, &transferName); err != nil {
			return nil, classify(fmt.Errorf("scanning attachment: %w", err))
		}
		if filename.String == "" {
			continue
		}
		p := filename.String
		if strings.HasPrefix(p, "~") && home != "" {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
		mt := mimeType.String
		if mt == "" {
			mt = "application/octet-stream"
		}
		out = append(out, Attachment{
			Filename:     filepath.Base(filename.String),
			Path:         p,
			MIMEType:     mt,
			SizeBytes:    size.Int64,
			TransferName: transferName.String,
		})
	}
	return out, rows.Err()
}

// ReceiptsFor returns delivery/read state for the given outgoing GUIDs.
func (r *Reader) ReceiptsFor(ctx context.Context, guids []string) ([]Receipt, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	db, err := r.conn()
	if err != nil {
		return nil, err
	}

	placeholders := strings.Repeat(",?", len(guids)-1)
	args := make([]any, len(guids))
	for i, g := range guids {
		args[i] = g
	}

	rows, err := db.QueryContext(ctx, `
		SELECT guid, date_delivered, date_read, service
		FROM message
		WHERE guid IN (?`+placeholders+`) AND is_from_me = 1`, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying receipts: %w", err))
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var rc Receipt
		var delivered, read sql.NullInt64
		var service sql.NullString
		if err := rows.Scan(&rc.GUID, &delivered, &read, &service); err != nil {
			return nil, classify(fmt.Errorf("scanning receipt: %w", err))
		}
		rc.DateDelivered = FromAppleTime(delivered.Int64)
		rc.DateRead = FromAppleTime(read.Int64)
		rc.Service = service.String
		out = append(out, rc)
	}
	return out, rows.Err()
}

// RecentOutgoing returns is_from_me rows newer than since, newest first.
func (r *Reader) RecentOutgoing(ctx context.Context, since time.Time, limit int) ([]Outgoing, error) {
	if limit <= 0 {
		limit = 50
	}
	db, err := r.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.guid, m.text, m.date, h.id
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.is_from_me = 1 AND m.date > ? AND m.text IS NOT NULL
		ORDER BY m.date DESC
		LIMIT ?`, ToAppleTime(since), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("querying outgoing messages: %w", err))
	}
	defer rows.Close()

	var out []Outgoing
	for rows.Next() {
		var o Outgoing
		var text, hid sql.NullString
		var date sql.NullInt64
		if err := rows.Scan(&o.GUID, &text, &date, &hid); err != nil {
			return nil, classify(fmt.Errorf("scanning outgoing message: %w", err))
		}
		o.Text = text.String
		o.Date = FromAppleTime(date.Int64)
		o.Handle = NormalizeHandle(hid.String)
		out = append(out, o)
	}
	return out, rows.Err()
}
