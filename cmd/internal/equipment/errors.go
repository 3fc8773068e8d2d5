package equipment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid marks a document that does not satisfy the schema.
	ErrInvalid = errors.New("invalid equipment document")

	// ErrUnsupportedSchema marks a document tagged with another schema (or none).
	ErrUnsupportedSchema = errors.New("unsupported equipment schema")

	// ErrUnrecognized is returned by MigrateLegacy for JSON it cannot map to items.
	ErrUnrecognized = errors.New("unrecognized legacy equipment shape")
)

// ValidationError points at the offending item and field.
type ValidationError struct {
	Index int // -1 for document-level errors
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("equipment: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("equipment: items[%d].%s: %s", e.Index, e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }
