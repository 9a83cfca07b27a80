// Package repository holds what the job store backends share.
package repository

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when a terminal transition targets a job that
	// already left pending.
	ErrNotPending = errors.New("job is not pending")
	// ErrNotFailed is returned when a retry targets a job that is not failed.
	ErrNotFailed = errors.New("job is not failed")
)

// PersistenceError wraps a failure of the underlying database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPending) || errors.Is(err, ErrNotFailed) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
