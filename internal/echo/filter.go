package echo

import "log/slog"

// Direction is who authored a chat.db row.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Filter decides whether an observed message should be forwarded.
type Filter struct {
	set    *Set
	logger *slog.Logger
}

// NewFilter returns a Filter reading from set.
func NewFilter(set *Set) *Filter {
	return &Filter{set: set, logger: slog.Default()}
}

// Allow reports whether a message should be forwarded. Inbound messages always
// pass. Outbound messages pass unless they match (and consume) a correlation
// entry.
func (f *Filter) Allow(dir Direction, handle, text string) bool {
	if dir != Outbound {
		return true
	}
	e, ok := f.set.Match(handle, text)
	if !ok {
		return true
	}
	f.logger.Debug("suppressed echo of bridge send", "correlation_id", e.ID, "handle", handle)
	return false
}
