package safety

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks at the transport boundary.
var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrTransient    = errors.New("transient store error")
)

// ConflictError means the actor already has an active aggregate of Kind.
type ConflictError struct {
	Kind       Kind
	ActorID    string
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("%s already active for %s (%s)", e.Kind, e.ActorID, e.ExistingID)
	}
	return fmt.Sprintf("%s already active for %s", e.Kind, e.ActorID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InvalidStateError means the operation needs an Active aggregate.
type InvalidStateError struct {
	Kind  Kind
	ID    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Kind, e.ID, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// NotFoundError means no aggregate exists for the key.
type NotFoundError struct {
	Kind Kind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError rejects malformed input before any store write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransientStoreError wraps a retryable storage failure.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }

// DispatchDegraded is informational. The transition succeeded but matching
// or delivery did not go as planned.
type DispatchDegraded struct {
	Reason string
}

func (e *DispatchDegraded) Error() string {
	return "dispatch degraded: " + e.Reason
}
