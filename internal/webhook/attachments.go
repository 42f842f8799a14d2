package webhook

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
)

const maxConcurrentEncodes = 4

// EncodeAttachments converts chat.db attachments to payload form, reading
// files up to MaxInlineAttachmentSize concurrently and embedding them as
// base64. Larger files carry metadata only. Unreadable files are skipped.
// Output order matches input order.
func EncodeAttachments(ctx context.Context, atts []chatdb.Attachment, logger *slog.Logger) []Attachment {
	if len(atts) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	encoded := make([]*Attachment, len(atts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEncodes)

	for i, a := range atts {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			info, err := os.Stat(a.Path)
			if err != nil {
				logger.Warn("attachment file not readable", "filename", a.Filename, "error", err)
				return nil
			}
			out := &Attachment{
				Filename:  a.Filename,
				MIMEType:  a.MIMEType,
				SizeBytes: a.SizeBytes,
			}
			if out.SizeBytes == 0 {
				out.SizeBytes = info.Size()
			}
			if info.Size() > MaxInlineAttachmentSize {
				logger.Info("attachment too large to inline", "filename", a.Filename, "size_bytes", info.Size())
				encoded[i] = out
				return nil
			}
			data, err := os.ReadFile(a.Path)
			if err != nil {
				logger.Warn("reading attachment", "filename", a.Filename, "error", err)
				return nil
			}
			out.DataBase64 = base64.StdEncoding.EncodeToString(data)
			encoded[i] = out
			return nil
		})
	}
	g.Wait()

	var result []Attachment
	for _, a := range encoded {
		if a != nil {
			result = append(result, *a)
		}
	}
	return result
}
