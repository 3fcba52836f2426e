// Package services provides the error taxonomy and the CRUD/lifecycle services of the
// automation entities.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// ErrValidation marks bad input rejected before any state mutation (400 Bad Request).
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict marks an operation rejected because of the entity state (409 Conflict).
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound marks a missing entity (404 Not Found).
	ErrNotFound = errors.New("not found")
)

// ValidationError lists every problem found in the input.
type ValidationError struct {
	Op       string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error. It returns nil without problems so callers
// can return its result directly.
func NewValidationError(op string, problems ...string) error {
	if len(problems) == 0 {
		return nil
	}

	return &ValidationError{Op: op, Problems: problems}
}

// ConflictError is a rejected state transition. The entity is left unmodified.
type ConflictError struct {
	Op      string
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrStateConflict, e.Message)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

func NewConflictError(op, format string, args ...any) *ConflictError {
	return &ConflictError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// ActionFailure is a failed side effect of one action, node or step. It is recorded in the
// relevant history array and never returned past the unit boundary.
type ActionFailure struct {
	Item string
	Err  error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Item, e.Err)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, conditions.ErrInvalidCondition)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrStateConflict) ||
		errors.Is(err, persistence.ErrStatusConflict) ||
		errors.Is(err, persistence.ErrRunExists)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || persistence.IsNotFound(err)
}
