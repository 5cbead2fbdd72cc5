// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrInstanceNotFound indicates an instance was not found by the given identifier.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceAlreadyExists indicates an instance with the same identifier already exists.
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// ErrVersionConflict indicates an optimistic-lock write lost the race:
	// the stored instance version did not match the expected one.
	ErrVersionConflict = errors.New("instance version conflict")

	// ErrSequenceConflict indicates a concurrent writer claimed the same
	// event sequence number for one instance.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrEventNotFound indicates no event matched the given criteria.
	ErrEventNotFound = errors.New("event not found")

	// ErrFlowVersionNotFound indicates no transition rows exist for the given flow version.
	ErrFlowVersionNotFound = errors.New("flow version not found")
)

// InstanceError wraps instance-related errors with additional context.
type InstanceError struct {
	Op         string // Operation being performed (e.g., "Create", "Update")
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for instance errors.
func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// EventError wraps event-log errors with additional context.
type EventError struct {
	Op         string
	InstanceID string
	Sequence   int64
	Err        error
}

func (e *EventError) Error() string {
	if e.Sequence > 0 {
		return fmt.Sprintf("%s operation failed for instance %s at sequence %d: %v", e.Op, e.InstanceID, e.Sequence, e.Err)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func (e *EventError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsInstanceNotFound checks if an error indicates an instance was not found.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsVersionConflict checks if an error indicates an optimistic-lock conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsSequenceConflict checks if an error indicates an event sequence collision.
func IsSequenceConflict(err error) bool {
	return errors.Is(err, ErrSequenceConflict)
}

// IsEventNotFound checks if an error indicates no matching event exists.
func IsEventNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound)
}
