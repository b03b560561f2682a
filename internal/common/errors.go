// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Storage errors.
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrDatabaseCorrupted = errors.New("database corrupted")
	ErrStoreBusy         = errors.New("store busy")

	// Per-record matching errors. These are recovered locally and counted.
	ErrInvalidRecord     = errors.New("invalid record")
	ErrNoCandidateRegion = errors.New("no candidate region")

	// Batch-level errors. These abort the batch with nothing activated.
	ErrLedgerWriteConflict = errors.New("ledger write conflict")
	ErrIndexBuild          = errors.New("candidate index build failed")
	ErrBatchNotFound       = errors.New("batch audit entry not found")

	// Review errors.
	ErrRegionMismatch = errors.New("region mismatch")
	ErrAlreadyDecided = errors.New("already decided")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRecordError reports whether err only concerns a single record and must
// not abort the batch it belongs to.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrNoCandidateRegion)
}

// IsFatal reports whether err must stop a batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedgerWriteConflict) ||
		errors.Is(err, ErrIndexBuild) ||
		errors.Is(err, ErrBatchNotFound)
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	// A write conflict means the concurrency contract was broken; retrying hides it.
	if errors.Is(err, ErrLedgerWriteConflict) {
		return false
	}

	if errors.Is(err, ErrStoreBusy) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
