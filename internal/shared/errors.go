package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input errors rejected before any state is written.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks retryable concurrency failures such as lost-update detection.
	ErrConflict = errors.New("conflict")
	// ErrInvariant marks broken engine invariants. These are bugs, not user errors.
	ErrInvariant = errors.New("invariant violated")
)
