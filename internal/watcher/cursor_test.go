package watcher

import (
	"errors"
	"testing"
)

type recordingSaver struct {
	saved []int64
	err   error
}

func (r *recordingSaver) SaveCursor(name string, rowID int64) error {
	r.saved = append(r.saved, rowID)
	return r.err
}

func TestCursor_Monotonic(t *testing.T) {
	s := &recordingSaver{}
	c := NewCursor(10, s)

	if !c.Advance(15) {
		t.Error("Advance(15) = false, want true")
	}
	if c.Advance(12) {
		t.Error("Advance(12) moved the cursor backwards")
	}
	if c.Advance(15) {
		t.Error("Advance to the same position reported a change")
	}
	if c.Position() != 15 {
		t.Errorf("Position = %d, want 15", c.Position())
	}
	if len(s.saved) != 1 || s.saved[0] != 15 {
		t.Errorf("saved = %v, want [15]", s.saved)
	}
}

func TestCursor_SaveFailureNotFatal(t *testing.T) {
	c := NewCursor(0, &recordingSaver{err: errors.New("disk full")})
	if !c.Advance(5) || c.Position() != 5 {
		t.Error("save failure should not block advancing")
	}
}

func TestParseStartPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    StartPolicy
		wantErr bool
	}{
		{"now", StartNow, false},
		{"EPOCH", StartEpoch, false},
		{" resume ", StartResume, false},
		{"", StartNow, false},
		{"yesterday", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStartPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStartPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStartPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
