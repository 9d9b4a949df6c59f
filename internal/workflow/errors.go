package workflow

import (
	"errors"
	"fmt"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

var (
	// ErrNotInWorkflow is returned when an entity has no active workflow.
	ErrNotInWorkflow = errors.New("entity is not in a workflow")
	// ErrInvalidTransition is returned when no transition connects the
	// entity's current state to the requested state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyComplete is returned when a signature is added after the
	// approval quorum was reached.
	ErrAlreadyComplete = errors.New("approval quorum already complete")
	// ErrConcurrentModification is returned when another writer holds or
	// changed the entity. The caller may retry.
	ErrConcurrentModification = repository.ErrConcurrentModification
)

// ValidationError reports malformed input or a violated configuration
// constraint.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Constraint
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Constraint)
}

func invalid(field, constraint string) error {
	return &ValidationError{Field: field, Constraint: constraint}
}

// RuleViolation reports the first blocking rule that failed.
type RuleViolation struct {
	RuleType models.RuleType `json:"rule_type"`
	Detail   string          `json:"detail"`
}

func (e *RuleViolation) Error() string {
	return fmt.Sprintf("rule %s violated: %s", e.RuleType, e.Detail)
}

// ActionExecutionError reports an action that failed while a transition was
// applied. The transition was rolled back.
type ActionExecutionError struct {
	ActionType models.ActionType
	Order      int
	Err        error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s (order %d) failed: %v", e.ActionType, e.Order, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// IntegrityViolation reports a broken audit chain.
type IntegrityViolation struct {
	EntityID string
	BrokenAt int64
	Reason   string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("audit chain of %s broken at record %d: %s", e.EntityID, e.BrokenAt, e.Reason)
}
