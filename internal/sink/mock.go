package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MockSent is a message captured by MockSender.
type MockSent struct {
	Handle string
	Text   string
	At     time.Time
}

// MockSender records sends in memory instead of touching Messages. It is used
// in mock mode and in tests.
type MockSender struct {
	mu   sync.Mutex
	sent []MockSent
	err  error
}

// NewMockSender returns an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// FailWith makes subsequent sends return err. Pass nil to succeed again.
func (m *MockSender) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockSender) Send(ctx context.Context, handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, MockSent{Handle: handle, Text: text, At: time.Now().UTC()})
	slog.Info("mock send", "phone", handle, "text", Truncate(text, 50))
	return nil
}

// Sent returns a copy of every successful send so far.
func (m *MockSender) Sent() []MockSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSent(nil), m.sent...)
}
