package chatdb

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrStoreMissing is returned when chat.db does not exist or cannot be
	// opened (usually a missing Full Disk Access grant).
	ErrStoreMissing = errors.New("message store not available")

	// ErrStoreBusy wraps SQLITE_BUSY / "database is locked" failures caused by
	// the Messages app holding a write lock.
	ErrStoreBusy = errors.New("message store busy")
)

// Message is one row of the message table joined with its handle.
type Message struct {
	RowID          int64
	GUID           string
	Handle         string // normalized
	Text           string
	Date           time.Time
	IsFromMe       bool
	Service        string
	DateDelivered  time.Time
	DateRead       time.Time
	HasAttachments bool
}

// IsIMessage reports whether the row was carried over iMessage rather than SMS.
func (m Message) IsIMessage() bool {
	return strings.Contains(m.Service, "iMessage")
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename     string
	Path         string
	MIMEType     string
	SizeBytes    int64
	TransferName string
}

// Receipt is the delivery/read state of an outgoing message.
type Receipt struct {
	GUID          string
	DateDelivered time.Time
	DateRead      time.Time
	Service       string
}

// Outgoing is a recent is_from_me row, used to resolve GUIDs for sends the
// bridge made without getting an identifier back.
type Outgoing struct {
	GUID   string
	Handle string
	Text   string
	Date   time.Time
}
