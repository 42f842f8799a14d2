package watcher

import (
	"strconv"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/echo"
)

// Event is a newly observed chat.db row.
type Event struct {
	ID          string // GUID, or "row-<rowid>" when chat.db has none
	RowID       int64
	GUID        string
	Handle      string
	Text        string
	Direction   echo.Direction
	IsIMessage  bool
	ObservedAt  time.Time
	Timestamp   time.Time
	Attachments []chatdb.Attachment
}

func newEvent(m chatdb.Message, observedAt time.Time) Event {
	id := m.GUID
	if id == "" {
		id = "row-" + strconv.FormatInt(m.RowID, 10)
	}
	dir := echo.Inbound
	if m.IsFromMe {
		dir = echo.Outbound
	}
	ts := m.Date
	if ts.IsZero() {
		ts = observedAt
	}
	return Event{
		ID:         id,
		RowID:      m.RowID,
		GUID:       m.GUID,
		Handle:     m.Handle,
		Text:       m.Text,
		Direction:  dir,
		IsIMessage: m.IsIMessage(),
		ObservedAt: observedAt,
		Timestamp:  ts,
	}
}
