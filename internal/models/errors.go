package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the timer error taxonomy. Typed errors below report
// true for errors.Is against the matching sentinel.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("timer not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPersistence       = errors.New("persistence failed")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError reports an operation the state machine rejects.
type TransitionError struct {
	TimerID string
	Current TimerStatus
	Op      Operation
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s timer %s in status %s", e.Op, e.TimerID, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PersistenceError reports a failed durable write. The in-memory change
// that preceded it has already been applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist after %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
