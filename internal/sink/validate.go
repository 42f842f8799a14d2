package sink

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	e164Pattern  = regexp.MustCompile(`^\+[0-9]{8,15}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidationError is returned for send requests that can never succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks that handle is an E.164 number or an email address and
// that text is not blank.
func Validate(handle, text string) error {
	handle = strings.TrimSpace(handle)
	switch {
	case handle == "":
		return &ValidationError{Field: "phone", Reason: "is required"}
	case strings.HasPrefix(handle, "+"):
		if !e164Pattern.MatchString(handle) {
			return &ValidationError{Field: "phone", Reason: "must be E.164, e.g. +15551234567"}
		}
	case strings.Contains(handle, "@"):
		if !emailPattern.MatchString(handle) {
			return &ValidationError{Field: "phone", Reason: "malformed email address"}
		}
	default:
		return &ValidationError{Field: "phone", Reason: "must be E.164 or an email address"}
	}
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "is required"}
	}
	return nil
}
