package utils

import (
	"errors"
	"strings"
	"unicode"
)

const maxIdentifierLength = 128

// ValidateIdentifier checks a participant or session id taken from user
// input: non-empty, no whitespace or control characters, no path separators
// and no "..", since ids end up in URL paths of the session API.
func ValidateIdentifier(id string) error {
	if id == "" {
		return errors.New("identifier is required and must be a non-empty string")
	}
	if len(id) > maxIdentifierLength {
		return errors.New("identifier is too long")
	}
	if strings.ContainsAny(id, "/\\?#") || strings.Contains(id, "..") {
		return errors.New("identifier must not contain path separators, query characters or '..'")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("identifier must not contain whitespace or control characters")
		}
	}
	return nil
}
