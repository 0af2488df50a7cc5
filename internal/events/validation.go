package events

import (
	"errors"
	"fmt"
	"slices"
)

// subjectLength is the length of auth.QuickHash output.
const subjectLength = 32

var updatableFields = []string{"username", "email", "password"}

// ValidateAccountEvent validates event fields before they reach the stream.
func ValidateAccountEvent(event AccountEvent) error {
	switch event.Type {
	case UserRegistered, UserUpdated, UserDeleted, LoginSucceeded:
		if event.UserID <= 0 {
			return fmt.Errorf("%s requires a user id", event.Type)
		}
		if event.Subject != "" {
			return fmt.Errorf("%s must not carry a subject", event.Type)
		}
	case LoginFailed:
		if len(event.Subject) != subjectLength || !isHex(event.Subject) {
			return fmt.Errorf("subject must be %d hex chars", subjectLength)
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}

	if len(event.Fields) > 0 {
		if event.Type != UserUpdated {
			return fmt.Errorf("%s must not carry fields", event.Type)
		}
		for _, f := range event.Fields {
			if !slices.Contains(updatableFields, f) {
				return fmt.Errorf("unknown field %q", f)
			}
		}
	}

	if event.OccurredAt <= 0 {
		return errors.New("occurred_at must be set")
	}
	return nil
}

func isHex(value string) bool {
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F') {
			continue
		}
		return false
	}
	return true
}
