package content

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxDisplayNameLen = 64

var (
	policy = bluemonday.StrictPolicy()

	displayNameRegex = regexp.MustCompile(`^[\p{L}\p{N} ._-]+$`)
)

// Sanitize strips all HTML from the input string. Message bodies and display
// names are stored and relayed as plain text only.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateDisplayName checks that the display name is non-empty, at most 64
// runes, and contains only letters, numbers, spaces, dots, dashes and
// underscores.
func ValidateDisplayName(name string) error {
	if name == "" {
		return errors.New("display name cannot be empty")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return errors.New("display name is too long")
	}
	if !displayNameRegex.MatchString(name) {
		return errors.New("display name contains invalid characters")
	}
	return nil
}
