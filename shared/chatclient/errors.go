package chatclient

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs an open transport and none is open.
	ErrNotConnected = errors.New("not connected")

	// ErrTransport is returned when the socket cannot be opened or written.
	ErrTransport = errors.New("transport unreachable")

	// ErrStore is returned when a hosted-store call fails.
	ErrStore = errors.New("store operation failed")

	// ErrInvalidInput is returned for empty ids, names or message bodies.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError is the error type returned by every transport operation.
// Kind is one of the sentinel errors above; Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// userMessage is the inline banner text shown for err.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return "Chat is not connected. Please wait a moment and try again."
	case errors.Is(err, ErrInvalidInput):
		return "Please fill in the required fields."
	case errors.Is(err, ErrStore):
		return "Your message could not be delivered. Please try again."
	default:
		return "Something went wrong with the chat connection."
	}
}
