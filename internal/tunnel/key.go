package tunnel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidName  = errors.New("tunnel name cannot be empty")
	ErrDuplicateKey = errors.New("tunnel name already exists")
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeKey turns a display name into a key: surrounding whitespace is
// trimmed and anything outside [A-Za-z0-9_.-] becomes an underscore.
func SanitizeKey(name string) string {
	return unsafeKeyChars.ReplaceAllString(strings.TrimSpace(name), "_")
}

// ResolveKey computes the key for candidate.
//
// previous is the entry's current key when editing and "" when creating.
// An empty sanitized name falls back to previous, or fails with ErrInvalidName.
// A collision with any key in existing other than previous fails with
// ErrDuplicateKey; keys are never disambiguated automatically.
func ResolveKey(candidate, previous string, existing Registry) (string, error) {
	key := SanitizeKey(candidate)
	if key == "" {
		if previous != "" {
			return previous, nil
		}
		return "", ErrInvalidName
	}

	if key != previous && existing.Has(key) {
		return "", fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}

	return key, nil
}
