package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry handling at the run level.
type Kind int

const (
	// KindTransient marks infrastructure errors (store timeouts, lock
	// contention, open circuit breakers) worth retrying as a whole run.
	KindTransient Kind = iota + 1
	// KindConflict marks concurrency conflicts recovered locally, such as a
	// uniqueness violation resolved by re-reading the winning record.
	KindConflict
	// KindFatal marks unretryable errors: invalid window definitions,
	// malformed configuration, and the like.
	KindFatal
)

// AppError wraps an operation, human-facing message, kind, and cause.
type AppError struct {
	Op   string
	Msg  string
	Kind Kind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// E constructs an AppError.
func E(op string, kind Kind, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: kind, Err: err}
}

// KindOf walks the error chain for an AppError kind. Unclassified errors are
// treated as transient: runs are idempotent, so retrying an unknown failure
// is safe while giving up on one is not.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

// IsTransient reports whether the error should be retried at the run level.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindTransient
}

// IsFatal reports whether the error must abort without retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindFatal
}
