package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const primaryScript = `tell application "Messages"
    set targetService to 1st account whose service type = iMessage
    set targetBuddy to participant "%s" of targetService
    send "%s" to targetBuddy
end tell`

// Older macOS releases only understand the buddy/service form.
const fallbackScript = `tell application "Messages"
    set targetService to 1st service whose service type = iMessage
    set targetBuddy to buddy "%s" of targetService
    send "%s" to targetBuddy
end tell`

// AppleScriptSender sends through the Messages app with osascript.
type AppleScriptSender struct {
	logger *slog.Logger
	run    func(ctx context.Context, script string) (string, error)
}

// NewAppleScriptSender creates a sender that shells out to osascript.
func NewAppleScriptSender() *AppleScriptSender {
	return &AppleScriptSender{
		logger: slog.Default(),
		run:    runOSAScript,
	}
}

// Send tries the participant script, then the buddy script. The caller's
// context bounds both attempts.
func (s *AppleScriptSender) Send(ctx context.Context, handle, text string) error {
	stderr, err := s.run(ctx, buildScript(primaryScript, handle, text))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("osascript: %w", ctx.Err())
	}
	s.logger.Warn("primary send script failed, trying fallback", "error", err, "stderr", stderr)

	stderr, err = s.run(ctx, buildScript(fallbackScript, handle, text))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("osascript: %w", ctx.Err())
	}

	msg := stderr
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "buddy") || strings.Contains(lower, "participant") {
		return fmt.Errorf("%w: could not find %s, ensure they have iMessage enabled: %s", ErrInvalidRecipient, handle, msg)
	}
	return errors.New("osascript: " + msg)
}

func buildScript(tmpl, handle, text string) string {
	return fmt.Sprintf(tmpl, escapeAppleScript(handle), escapeAppleScript(text))
}

// escapeAppleScript escapes backslashes and double quotes for use inside an
// AppleScript string literal.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func runOSAScript(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}
