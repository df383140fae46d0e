package state

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a workflow or phase does not exist.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError reports a transition the state machine forbids.
type InvalidTransitionError struct {
	WorkflowID string
	From       WorkflowState
	To         WorkflowState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow %s: invalid transition %s -> %s", e.WorkflowID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ConflictError reports a compare-and-swap that lost to a concurrent writer:
// the row's state did not match the expected one at commit time.
type ConflictError struct {
	WorkflowID string
	Expected   WorkflowState
	Actual     WorkflowState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workflow %s: expected state %s, found %s", e.WorkflowID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
