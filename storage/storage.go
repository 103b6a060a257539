package storage

import (
	"context"
	"errors"
	"fmt"
)

// Error types
type ErrorType string

const (
	ErrNotFound      ErrorType = "not_found"
	ErrAlreadyExists ErrorType = "already_exists"
	ErrInvalidInput  ErrorType = "invalid_input"
	ErrLocked        ErrorType = "locked"
	ErrUnavailable   ErrorType = "unavailable"
)

// Error represents a storage-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsType reports whether err is a *Error of the given type
func IsType(err error, t ErrorType) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == t
}

// Store is the persistence collaborator of the series core.
// Returned values are copies; mutating them does not change stored state.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)

	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ListInstances returns the instances of a template whose OriginalStart
	// lies in window, ordered by generation index. An empty templateID lists
	// standalone instances ordered by start.
	ListInstances(ctx context.Context, templateID string, window Window) ([]*Instance, error)

	// ApplyChangeSet commits every write in cs or none of them
	ApplyChangeSet(ctx context.Context, cs *ChangeSet) error

	// AcquireSeriesLock takes the per-series mutation lock without waiting.
	// It returns an ErrLocked error when another mutator holds it.
	AcquireSeriesLock(ctx context.Context, templateID string) (release func(), err error)
}
