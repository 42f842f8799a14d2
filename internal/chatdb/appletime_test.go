package chatdb

import (
	"testing"
	"time"
)

func TestFromAppleTime_Nanoseconds(t *testing.T) {
	// 2024-01-01T00:00:00Z is 725846400 seconds after the Apple epoch.
	got := FromAppleTime(725846400 * 1_000_000_000)
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("FromAppleTime = %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}

func TestFromAppleTime_LegacySeconds(t *testing.T) {
	got := FromAppleTime(725846400)
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("FromAppleTime = %v, want %v", got, want)
	}
}

func TestFromAppleTime_Zero(t *testing.T) {
	if got := FromAppleTime(0); !got.IsZero() {
		t.Errorf("FromAppleTime(0) = %v, want zero time", got)
	}
}

func TestAppleTime_RoundTripIsExact(t *testing.T) {
	in := time.Date(2025, 6, 30, 13, 45, 12, 123456789, time.UTC)
	v := ToAppleTime(in)
	out := FromAppleTime(v)
	if !out.Equal(in) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestToAppleTime_NonUTCInput(t *testing.T) {
	loc := time.FixedZone("PDT", -7*3600)
	in := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	got := FromAppleTime(ToAppleTime(in))
	if !got.Equal(in) {
		t.Errorf("got %v, want %v", got, in)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}
