// Package echo suppresses the bridge's own outbound sends when they reappear
// in chat.db, so they are not forwarded back to the remote server.
//
// chat.db does not expose the bridge's correlation id, so matching is on
// (handle, normalized text) within a TTL window. An unmatched outbound row is
// forwarded: a missed echo costs a duplicate notification, a false match
// would drop a real message.
package echo

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a correlation entry stays matchable.
const DefaultTTL = 60 * time.Second

// Entry links a bridge-initiated send to its expected appearance in chat.db.
type Entry struct {
	ID        string
	Handle    string
	Text      string // normalized
	CreatedAt time.Time
}

// Normalize canonicalizes message text for echo matching: CRLF and CR become
// LF, then surrounding Unicode whitespace is trimmed. Interior whitespace and
// punctuation are preserved.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// HandleKey canonicalizes a handle for matching. Surrounding whitespace is
// trimmed and email handles are lowercased; phone handles compare as given.
func HandleKey(handle string) string {
	handle = strings.TrimSpace(handle)
	if strings.Contains(handle, "@") {
		return strings.ToLower(handle)
	}
	return handle
}

// Options configures a Set.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

// Set is the short-lived collection of outbound correlation entries. The sink
// adapter writes to it and the filter reads from it; both may run on
// different goroutines.
type Set struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries []Entry // insertion order, oldest first
}

// NewSet builds a Set. Zero options fall back to DefaultTTL, 4096 entries and
// the wall clock.
func NewSet(opts Options) *Set {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Set{ttl: ttl, maxEntries: maxEntries, now: now}
}

// TTL returns the configured time-to-live.
func (s *Set) TTL() time.Duration { return s.ttl }

// Record adds an entry, stamping CreatedAt and normalizing Text.
func (s *Set) Record(id, handle, text string) Entry {
	e := Entry{
		ID:        id,
		Handle:    HandleKey(handle),
		Text:      Normalize(text),
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(e.CreatedAt)
	if len(s.entries) >= s.maxEntries {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, e)
	return e
}

// Match removes and returns the oldest live entry for (handle, text).
func (s *Set) Match(handle, text string) (Entry, bool) {
	handle = HandleKey(handle)
	text = Normalize(text)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(now)
	for i, e := range s.entries {
		if e.Handle == handle && e.Text == text {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

// Remove drops the entry with the given id, if present.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of live entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(s.now())
	return len(s.entries)
}

// purge drops expired entries. Caller holds s.mu.
func (s *Set) purge(now time.Time) {
	cutoff := now.Add(-s.ttl)
	i := 0
	for i < len(s.entries) && !s.entries[i].CreatedAt.After(cutoff) {
		i++
	}
	if i > 0 {
		s.entries = append(s.entries[:0], s.entries[i:]...)
	}
}
