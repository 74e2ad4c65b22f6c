package worker

import (
	"context"
	"errors"
)

// JobHandler defines the interface that all periodic jobs must implement.
type JobHandler interface {
	// Type returns the job type identifier, used in logs and metrics labels.
	Type() string

	// Handle runs the job once. Returns an error if the run fails. Use
	// NewPermanentError to stop the job from being scheduled again.
	Handle(ctx context.Context) error
}

// PermanentError wraps an error to indicate it should not be retried.
// A job that fails with a PermanentError is unscheduled for the rest of the
// process lifetime.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError.
// Returns true if the error (or any error it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
