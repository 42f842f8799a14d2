package chatdb

import "strings"

// NormalizeHandle rewrites a chat.db handle to E.164 where it can and
// lowercases email handles.
//
//	"5551234567"        -> "+15551234567"
//	"+1 (555) 123-4567" -> "+15551234567"
//	"User@iCloud.com"   -> "user@icloud.com"
//
// Handles that cannot be normalized are returned unchanged.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if strings.Contains(handle, "@") {
		return strings.ToLower(handle)
	}

	var b strings.Builder
	for _, r := range handle {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	case len(digits) > 11:
		return "+" + digits
	}
	return handle
}
