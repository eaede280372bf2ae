package pipeline

import (
	"errors"
	"fmt"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound means no opportunity exists with the given id.
	ErrNotFound = errors.New("opportunity not found")
	// ErrConflict means the stored version advanced since the entity was
	// loaded; the caller must reload and reapply.
	ErrConflict = errors.New("opportunity was modified concurrently")
)

// ValidationError names the field and rule a malformed input violated.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Rule)
}

// ReferenceError means a supplied foreign id does not resolve.
type ReferenceError struct {
	Field string
	ID    uuid.UUID
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("referenced %s %s does not exist", e.Field, e.ID)
}

// StateError means an operation is illegal given the current status,
// e.g. moving or closing an already-closed opportunity.
type StateError struct {
	Op     string
	Status models.Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s an opportunity with status %q", e.Op, e.Status)
}

// TransitionError means a stage move violates the stage policy.
type TransitionError struct {
	From models.Stage
	To   models.Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %q -> %q", e.From, e.To)
}

// UnknownStageError means a stage value is not part of the configured
// pipeline sequence.
type UnknownStageError struct {
	Stage models.Stage
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown pipeline stage %q", e.Stage)
}
