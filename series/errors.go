package series

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Each typed error below matches exactly one.
var (
	ErrInstanceNotFound       = errors.New("instance not found")
	ErrTemplateNotFound       = errors.New("template not found")
	ErrNotRecurring           = errors.New("instance is not part of a recurring series")
	ErrNotStandalone          = errors.New("instance belongs to a recurring series")
	ErrAlreadyStandalone      = errors.New("event is already standalone")
	ErrConcurrentModification = errors.New("series is being modified concurrently")
	ErrOperationAborted       = errors.New("operation aborted")
	ErrInvalidOverride        = errors.New("invalid override")
	ErrInvalidTemplate        = errors.New("invalid template")
)

type InstanceNotFoundError struct {
	ID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found", e.ID)
}

func (e *InstanceNotFoundError) Is(target error) bool { return target == ErrInstanceNotFound }

type TemplateNotFoundError struct {
	ID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("recurring event template %s not found", e.ID)
}

func (e *TemplateNotFoundError) Is(target error) bool { return target == ErrTemplateNotFound }

// NotRecurringError is returned when a series operation targets a standalone instance
type NotRecurringError struct {
	InstanceID string
}

func (e *NotRecurringError) Error() string {
	return fmt.Sprintf("instance %s is not part of a recurring series", e.InstanceID)
}

func (e *NotRecurringError) Is(target error) bool { return target == ErrNotRecurring }

// NotStandaloneError is returned when a standalone-only operation targets a series instance
type NotStandaloneError struct {
	InstanceID string
}

func (e *NotStandaloneError) Error() string {
	return fmt.Sprintf("instance %s belongs to a recurring series", e.InstanceID)
}

func (e *NotStandaloneError) Is(target error) bool { return target == ErrNotStandalone }

type AlreadyStandaloneError struct {
	ID string
}

func (e *AlreadyStandaloneError) Error() string {
	return fmt.Sprintf("event %s is already standalone", e.ID)
}

func (e *AlreadyStandaloneError) Is(target error) bool { return target == ErrAlreadyStandalone }

// ConcurrentModificationError means another mutation holds the series lock.
// Nothing was written; the caller may retry.
type ConcurrentModificationError struct {
	TemplateID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("series %s is being modified concurrently", e.TemplateID)
}

func (e *ConcurrentModificationError) Is(target error) bool { return target == ErrConcurrentModification }

// OperationAbortedError wraps a cancellation, deadline or commit failure.
// Nothing was written; the caller may retry.
type OperationAbortedError struct {
	Op  string
	Err error
}

func (e *OperationAbortedError) Error() string {
	return fmt.Sprintf("%s aborted: %v", e.Op, e.Err)
}

func (e *OperationAbortedError) Unwrap() error { return e.Err }

func (e *OperationAbortedError) Is(target error) bool { return target == ErrOperationAborted }

type InvalidOverrideError struct {
	Field string
	Value string
}

func (e *InvalidOverrideError) Error() string {
	return fmt.Sprintf("invalid override %s=%q", e.Field, e.Value)
}

func (e *InvalidOverrideError) Is(target error) bool { return target == ErrInvalidOverride }
