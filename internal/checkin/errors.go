package checkin

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so operators can tell them apart in logs.
type Kind string

const (
	KindTransient      Kind = "transient_io"
	KindAuth           Kind = "auth"
	KindCorrelation    Kind = "correlation"
	KindDuplicateWrite Kind = "duplicate_write"
	KindInternal       Kind = "internal"
)

var (
	// ErrTransient marks a store or channel that is temporarily unavailable.
	ErrTransient = errors.New("transient i/o failure")
	// ErrAuth marks rejected credentials. It is fatal.
	ErrAuth = errors.New("credentials rejected")
	// ErrCorrelation marks a reply with no matching open check-in.
	ErrCorrelation = errors.New("no open check-in for reply")
	// ErrDuplicateWrite marks a journal entry that already exists.
	ErrDuplicateWrite = errors.New("journal entry already exists")
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target && target != nil
}

func sentinel(k Kind) error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindAuth:
		return ErrAuth
	case KindCorrelation:
		return ErrCorrelation
	case KindDuplicateWrite:
		return ErrDuplicateWrite
	}
	return nil
}

// Transient wraps err as a TransientIOError.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Auth wraps err as an AuthError.
func Auth(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Correlation builds a CorrelationError.
func Correlation(op string, err error) error {
	return &Error{Kind: KindCorrelation, Op: op, Err: err}
}

// Duplicate builds a DuplicateWriteError.
func Duplicate(op string, err error) error {
	return &Error{Kind: KindDuplicateWrite, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrCorrelation):
		return KindCorrelation
	case errors.Is(err, ErrDuplicateWrite):
		return KindDuplicateWrite
	}
	return KindInternal
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth)
}
