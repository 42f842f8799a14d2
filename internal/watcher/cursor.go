package watcher

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// CursorName is the key the chat.db high-water mark is persisted under.
const CursorName = "chatdb"

// StartPolicy selects the initial cursor position.
type StartPolicy string

const (
	// StartNow skips history: only rows written after startup are emitted.
	StartNow StartPolicy = "now"
	// StartEpoch replays the whole message table.
	StartEpoch StartPolicy = "epoch"
	// StartResume continues from the persisted high-water mark, or behaves
	// like StartNow when none exists.
	StartResume StartPolicy = "resume"
)

// ParseStartPolicy parses a configuration value.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch p := StartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case StartNow, StartEpoch, StartResume:
		return p, nil
	case "":
		return StartNow, nil
	default:
		return "", fmt.Errorf("unknown start policy %q (want now, epoch or resume)", s)
	}
}

// CursorSaver persists the high-water mark.
type CursorSaver interface {
	SaveCursor(name string, rowID int64) error
}

// CursorLoader reads a persisted high-water mark. It returns an error
// (typically storage.ErrNotFound) when none exists.
type CursorLoader interface {
	LoadCursor(name string) (int64, error)
}

// Cursor is the last chat.db ROWID handed downstream. Only the watcher's
// poll loop advances it; readers may call Position from any goroutine.
type Cursor struct {
	mu     sync.Mutex
	pos    int64
	saver  CursorSaver
	logger *slog.Logger
}

// NewCursor returns a cursor at pos. saver may be nil.
func NewCursor(pos int64, saver CursorSaver) *Cursor {
	return &Cursor{pos: pos, saver: saver, logger: slog.Default()}
}

// Position returns the current ROWID.
func (c *Cursor) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Advance moves the cursor forward to pos. It never moves backwards and
// reports whether the position changed. Persistence failures are logged.
func (c *Cursor) Advance(pos int64) bool {
	c.mu.Lock()
	if pos <= c.pos {
		c.mu.Unlock()
		return false
	}
	c.pos = pos
	c.mu.Unlock()

	if c.saver != nil {
		if err := c.saver.SaveCursor(CursorName, pos); err != nil {
			c.logger.Warn("persisting cursor", "row_id", pos, "error", err)
		}
	}
	return true
}
