package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no matching row exists. Callers usually treat it as an empty result.
	ErrNotFound = errors.New("storage: not found")
	// ErrPersistence wraps driver failures.
	ErrPersistence = errors.New("storage: persistence error")
	// ErrInvariantViolation means a row read back after a write did not match what was written.
	ErrInvariantViolation = errors.New("storage: invariant violation")
	// ErrInvalid rejects malformed input before it reaches the database.
	ErrInvalid = errors.New("storage: invalid input")
)

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

func invariantErr(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvariantViolation, fmt.Sprintf(format, args...))
}
