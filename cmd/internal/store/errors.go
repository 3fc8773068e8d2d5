package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a request is structurally invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a referenced conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write collides with an existing row owned by someone else.
	ErrConflict = errors.New("conflict")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above; Msg is human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error { return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg} }

func notFound(op, msg string) error { return OpError{Op: op, Kind: ErrNotFound, Msg: msg} }

func conflict(op, msg string) error { return OpError{Op: op, Kind: ErrConflict, Msg: msg} }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
