package db

import (
	"errors"
	"fmt"

	"github.com/storyforge/storyforge/internal/offline/schema"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalid is returned when a write would violate a field constraint.
	// It is the same value as schema.ErrInvalid.
	ErrInvalid = schema.ErrInvalid

	// ErrInvalidTransition is returned when a queue state change is not
	// allowed from the action's current status.
	ErrInvalidTransition = errors.New("invalid action state transition")

	errClosed = errors.New("database is closed")
)

// StorageError reports a driver or I/O failure. It matches
// ErrStorageUnavailable under errors.Is and unwraps to the cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// storageErr wraps err unless it already carries a classification the
// caller must see unchanged.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func invalidTransition(id string, from, to schema.ActionStatus) error {
	return fmt.Errorf("action %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}
