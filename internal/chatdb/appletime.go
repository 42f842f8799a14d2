package chatdb

import "time"

// AppleEpoch is the reference instant for timestamps stored in chat.db.
var AppleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var appleEpochUnix = AppleEpoch.Unix()

// Values at or above this magnitude are nanoseconds; below it, whole seconds.
// macOS 10.13 switched the message.date column from seconds to nanoseconds.
const nanosThreshold = 100_000_000_000

// FromAppleTime converts a chat.db timestamp to a UTC instant. Zero means
// "unset" and maps to the zero time.
func FromAppleTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v >= nanosThreshold || v <= -nanosThreshold {
		return time.Unix(appleEpochUnix+v/1_000_000_000, v%1_000_000_000).UTC()
	}
	return time.Unix(appleEpochUnix+v, 0).UTC()
}

// ToAppleTime converts t to nanoseconds since AppleEpoch.
func ToAppleTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return (t.Unix()-appleEpochUnix)*1_000_000_000 + int64(t.Nanosecond())
}
