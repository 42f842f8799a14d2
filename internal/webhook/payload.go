package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
)

// Event names sent to the remote server.
const (
	EventMessageReceived  = "message.received"
	EventMessageDelivered = "message.delivered"
	EventMessageRead      = "message.read"
)

// Endpoint paths under {base}/webhooks/iphone-bridge/{client_id}.
const (
	PathMessage = "/message"
	PathStatus  = "/status"
	PathHealth  = "/health"
)

// MaxInlineAttachmentSize is the largest file embedded as base64 in a payload.
// Larger attachments are sent as metadata only.
const MaxInlineAttachmentSize = 5 * 1024 * 1024

// Payload is the body of a message.received webhook.
type Payload struct {
	Event       string       `json:"event"`
	Phone       string       `json:"phone"`
	Text        string       `json:"text"`
	ReceivedAt  string       `json:"received_at"`
	MessageID   string       `json:"message_id"`
	IsIMessage  bool         `json:"is_imessage"`
	IsFromMe    bool         `json:"is_from_me,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Filename   string `json:"filename"`
	MIMEType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	DataBase64 string `json:"data_base64,omitempty"`
}

// StatusPayload is the body of a message.delivered or message.read webhook.
type StatusPayload struct {
	Event      string `json:"event"`
	Phone      string `json:"phone"`
	MessageID  string `json:"message_id"`
	Timestamp  string `json:"timestamp"`
	IsIMessage bool   `json:"is_imessage"`
}

// FormatTime renders t as RFC 3339 in UTC, the wire format for all timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Delivery is one unit of work for the Deliverer: a body bound for a path,
// plus the identifying fields used in logs and the failure log. Files holds
// attachment files still on disk; they are read into the body only when the
// delivery is about to be attempted.
type Delivery struct {
	Path      string
	Event     string
	MessageID string
	Phone     string
	Body      any
	Files     []chatdb.Attachment
}

// NewMessageDelivery wraps a message payload. Attachments from files are
// listed in the payload as metadata until the delivery is inlined.
func NewMessageDelivery(p Payload, files ...chatdb.Attachment) Delivery {
	if len(files) > 0 {
		p.Attachments = attachmentMetadata(files)
	}
	return Delivery{
		Path:      PathMessage,
		Event:     p.Event,
		MessageID: p.MessageID,
		Phone:     p.Phone,
		Body:      p,
		Files:     files,
	}
}

// inline reads the delivery's attachment files into its payload.
func (del Delivery) inline(ctx context.Context, logger *slog.Logger) Delivery {
	p, ok := del.Body.(Payload)
	if !ok || len(del.Files) == 0 {
		return del
	}
	p.Attachments = EncodeAttachments(ctx, del.Files, logger)
	del.Body = p
	del.Files = nil
	return del
}

func attachmentMetadata(files []chatdb.Attachment) []Attachment {
	out := make([]Attachment, 0, len(files))
	for _, f := range files {
		out = append(out, Attachment{Filename: f.Filename, MIMEType: f.MIMEType, SizeBytes: f.SizeBytes})
	}
	return out
}

// NewStatusDelivery wraps a status payload.
func NewStatusDelivery(p StatusPayload) Delivery {
	return Delivery{
		Path:      PathStatus,
		Event:     p.Event,
		MessageID: p.MessageID,
		Phone:     p.Phone,
		Body:      p,
	}
}
