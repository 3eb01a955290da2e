package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxIDLength bounds identifiers so they stay valid file names on every
// platform once the ".json" suffix is added.
const MaxIDLength = 128

// ErrInvalidID is wrapped by every identifier validation failure.
var ErrInvalidID = errors.New("invalid conversation id")

// ValidateID rejects identifiers that are empty, too long, hidden, contain
// path separators or traversal sequences, or contain control characters.
// Stores call it before touching the filesystem.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > MaxIDLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLength)
	case id == "." || strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains a traversal sequence", ErrInvalidID, id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q must not start with a dot", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}

	for _, r := range id {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains a control or invalid character", ErrInvalidID, id)
		}
	}

	return nil
}
