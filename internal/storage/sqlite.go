package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the bridge's own SQLite database: the cursor high-water mark,
// the failed-forward audit log, and the send log.
type Store struct {
	db *sql.DB
}

// pragmas run on the single connection right after it opens.
var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
}

// Open opens (or creates) bridge.db in dataDir and applies pending
// migrations. ":memory:" opens a private in-memory database for tests.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "bridge.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: the daemon is the only writer, and an in-memory
	// database is per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	name    string
}

// pendingMigrations lists embedded migrations not yet recorded in
// schema_version, in ascending version order.
func (s *Store) pendingMigrations() ([]migration, error) {
	applied, err := s.AppliedMigrations()
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	var pending []migration
	for _, name := range names {
		var v int
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, "migrations/"), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration %s has no numeric prefix: %w", name, err)
		}
		if !slices.Contains(applied, v) {
			pending = append(pending, migration{version: v, name: name})
		}
	}
	slices.SortFunc(pending, func(a, b migration) int { return a.version - b.version })
	return pending, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	pending, err := s.pendingMigrations()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.apply(m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (s *Store) apply(m migration) error {
	body, err := migrationsFS.ReadFile(m.name)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("applying %s: %w", m.name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording %s: %w", m.name, err)
	}
	return tx.Commit()
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Cursor ---

// SaveCursor stores the high-water mark for the named cursor.
func (s *Store) SaveCursor(name string, rowID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO cursor_state (name, row_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET row_id = excluded.row_id, updated_at = excluded.updated_at`,
		name, rowID, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LoadCursor returns the stored high-water mark, or ErrNotFound.
func (s *Store) LoadCursor(name string) (int64, error) {
	var rowID int64
	err := s.db.QueryRow("SELECT row_id FROM cursor_state WHERE name = ?", name).Scan(&rowID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return rowID, err
}

// --- Failed forwards ---

func (s *Store) RecordFailedForward(f FailedForward) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if f.Reason == "" {
		f.Reason = ReasonExhausted
	}
	_, err := s.db.Exec(`
		INSERT INTO failed_forwards (id, event, message_id, phone, payload, attempts, reason, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Event, f.MessageID, f.Phone, f.Payload, f.Attempts, f.Reason, f.LastError,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetFailedForward(id string) (FailedForward, error) {
	row := s.db.QueryRow(`
		SELECT id, event, message_id, phone, payload, attempts, reason, last_error, created_at
		FROM failed_forwards WHERE id = ?`, id)
	f, err := scanFailedForward(row)
	if err == sql.ErrNoRows {
		return FailedForward{}, ErrNotFound
	}
	return f, err
}

// ListFailedForwards returns the most recent failures first.
func (s *Store) ListFailedForwards(limit int) ([]FailedForward, error) {
	rows, err := s.db.Query(`
		SELECT id, event, message_id, phone, payload, attempts, reason, last_error, created_at
		FROM failed_forwards ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FailedForward
	for rows.Next() {
		f, err := scanFailedForward(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func (s *Store) CountFailedForwards() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM failed_forwards").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailedForward(r rowScanner) (FailedForward, error) {
	var f FailedForward
	var createdAt string
	var lastError sql.NullString
	if err := r.Scan(&f.ID, &f.Event, &f.MessageID, &f.Phone, &f.Payload, &f.Attempts, &f.Reason, &lastError, &createdAt); err != nil {
		return FailedForward{}, err
	}
	f.LastError = lastError.String
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return FailedForward{}, fmt.Errorf("parsing created_at: %w", err)
	}
	f.CreatedAt = t
	return f, nil
}

// --- Send log ---

func (s *Store) RecordSend(m SentMessage) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO sent_messages (id, phone, text, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Phone, m.Text, m.Success, m.Error, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetRecentSends(limit int) ([]SentMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, phone, text, success, error, created_at
		FROM sent_messages ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SentMessage
	for rows.Next() {
		var m SentMessage
		var createdAt string
		var errMsg sql.NullString
		if err := rows.Scan(&m.ID, &m.Phone, &m.Text, &m.Success, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		m.Error = errMsg.String
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// PruneSends deletes send log rows older than cutoff and returns how many
// were removed.
func (s *Store) PruneSends(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM sent_messages WHERE created_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
