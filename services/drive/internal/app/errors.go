package app

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned before any external call when a file
	// exceeds the upload limit.
	ErrPayloadTooLarge = errors.New("file exceeds the maximum upload size")

	// ErrUnauthenticated means there is no valid session or no user row for it.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrExternalStore matches every *StoreError.
	ErrExternalStore = errors.New("external store failure")

	ErrNotFound          = errors.New("file not found")
	ErrForbidden         = errors.New("only the owner can modify this file")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidEmail      = errors.New("invalid email")
	ErrNameRequired      = errors.New("name required")
	ErrFullNameRequired  = errors.New("full name required")
	ErrUploadSizeUnknown = errors.New("upload size required")
)

// StoreError wraps a failed blob or row operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrExternalStore }

// CompensationError reports that a row create failed and the blob written
// before it could not be deleted. The blob is queued for reconciliation
// when a queue is configured.
type CompensationError struct {
	BlobID      string
	Cause       error
	RollbackErr error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("rollback of blob %s failed: %v (after: %v)", e.BlobID, e.RollbackErr, e.Cause)
}

func (e *CompensationError) Unwrap() []error { return []error{e.Cause, e.RollbackErr} }
