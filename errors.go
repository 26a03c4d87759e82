package taskorch

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation indicates malformed caller input. No state was changed.
type ErrValidation struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// ErrTaskNotFound is returned when a task doesn't exist.
type ErrTaskNotFound struct {
	TaskID string
}

// Error implements the error interface.
func (e *ErrTaskNotFound) Error() string {
	return "task not found: " + e.TaskID
}

// ErrCircularDependency is returned when adding an edge would close a cycle
// in the dependency graph. The graph is left unchanged.
type ErrCircularDependency struct {
	TaskID         string
	PrerequisiteID string

	// Path is the cycle that the rejected edge would have closed, starting
	// and ending at TaskID.
	Path []string
}

// Error implements the error interface.
func (e *ErrCircularDependency) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("circular dependency: %s -> %s", e.TaskID,
			e.PrerequisiteID)
	}
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

// ErrDependencyExists is returned when deleting a task that other tasks
// still depend on.
type ErrDependencyExists struct {
	TaskID     string
	Dependents []string
}

// Error implements the error interface.
func (e *ErrDependencyExists) Error() string {
	return fmt.Sprintf("task %s has dependents: %s", e.TaskID,
		strings.Join(e.Dependents, ", "))
}

// ErrInvalidTransition is returned for status changes the state machine
// does not allow.
type ErrInvalidTransition struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

// Error implements the error interface.
func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s",
		e.TaskID, e.From, e.To)
}

// ErrLockTimeout is returned when the store lock could not be acquired
// within the configured timeout. Callers may retry.
type ErrLockTimeout struct {
	Path     string
	Waited   time.Duration
	Attempts int
}

// Error implements the error interface.
func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("timed out acquiring lock %s after %v (%d attempts)",
		e.Path, e.Waited, e.Attempts)
}

// Retryable reports that the operation may succeed if tried again.
func (e *ErrLockTimeout) Retryable() bool {
	return true
}

// ErrMigration indicates a schema migration failed. When returned from
// Apply, the store has already been restored to its prior version.
type ErrMigration struct {
	Version int
	Op      string
	Cause   error
}

// Error implements the error interface.
func (e *ErrMigration) Error() string {
	return fmt.Sprintf("migration %s of version %d failed: %v", e.Op,
		e.Version, e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrMigration) Unwrap() error {
	return e.Cause
}

// ErrStorageCorruption indicates the on-disk store failed an integrity
// check. It is not recoverable automatically; restore from a backup.
type ErrStorageCorruption struct {
	Path   string
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *ErrStorageCorruption) Error() string {
	msg := fmt.Sprintf("storage corruption in %s", e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrStorageCorruption) Unwrap() error {
	return e.Cause
}

// ErrInvalidConfiguration indicates that configuration is invalid.
type ErrInvalidConfiguration struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether err, or any error it wraps, marks itself as
// retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
