package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrNotFound indicates no entity exists for the given identifier.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict indicates a compare-and-swap lost: the stored status was not expected or
	// the document was written since it was read.
	ErrStatusConflict = errors.New("status conflict")

	// ErrRunExists indicates the contact already has a run in the campaign.
	ErrRunExists = errors.New("drip run already exists")

	// ErrAlreadyExists indicates an entity with the same identifier already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// EntityError wraps persistence errors with the operation and the entity involved.
type EntityError struct {
	Op   string // Operation being performed (e.g., "Trigger", "UpdateRun")
	Kind string // Entity kind (e.g., "trigger", "drip run")
	ID   string // Entity ID if applicable
	Err  error  // Underlying error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, kind, id string, err error) *EntityError {
	return &EntityError{Op: op, Kind: kind, ID: id, Err: err}
}

// NotFound is a shorthand for an EntityError wrapping ErrNotFound.
func NotFound(op, kind, id string) error {
	return NewEntityError(op, kind, id, ErrNotFound)
}

// IsNotFound checks if an error indicates an entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStatusConflict checks if an error indicates a lost compare-and-swap.
func IsStatusConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict)
}
