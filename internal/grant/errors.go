package grant

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no grant exists with the requested id.
	ErrNotFound = errors.New("grant: not found")
	// ErrConflict means a compare-and-swap update lost its race: the stored
	// state no longer matches the expected one.
	ErrConflict = errors.New("grant: state conflict")
	// ErrDuplicateWindow means the subject already has a grant whose window
	// overlaps the requested one.
	ErrDuplicateWindow = errors.New("grant: overlapping window for subject")
	// ErrInvalidTransition means the requested edge is not part of the
	// lifecycle state machine.
	ErrInvalidTransition = errors.New("grant: invalid state transition")
)

// ValidationError rejects a malformed admission request. It is returned
// synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
