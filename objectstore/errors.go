package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for object store operations.
var (
	ErrNilRepository = errors.New("objectstore: repository is nil")
	ErrNotFound      = errors.New("objectstore: object not found")
	ErrUnknownClass  = errors.New("objectstore: unknown class")
	ErrUnknownField  = errors.New("objectstore: unknown field")
	ErrNotFilterable = errors.New("objectstore: field is not filterable")
	ErrInvalidClass  = errors.New("objectstore: invalid class definition")
	ErrNilObject     = errors.New("objectstore: object is nil")

	// ErrValidation matches every *ValidationFailure.
	ErrValidation = errors.New("objectstore: validation failed")
)

// FieldFailure describes one invalid field, or one invalid item inside a
// field.
type FieldFailure struct {
	Field   string
	Message string

	// SubItems lists failures of individual entries in a multi-valued field.
	SubItems []FieldFailure

	// Context locates a sub-item, e.g. "index 2".
	Context []string
}

func (f FieldFailure) String() string {
	var b strings.Builder
	b.WriteString(f.Message)
	if f.Field != "" {
		b.WriteString(" fieldname=")
		b.WriteString(f.Field)
	}
	if len(f.SubItems) > 0 {
		parts := make([]string, 0, len(f.SubItems))
		for _, sub := range f.SubItems {
			msg := sub.Message
			if len(sub.Context) > 0 {
				msg += "[ " + sub.Context[0] + " ]"
			}
			parts = append(parts, msg)
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// ValidationFailure aggregates every invalid field of one save. No data is
// written when it is returned.
type ValidationFailure struct {
	Message string
	Items   []FieldFailure
}

func newValidationFailure(items []FieldFailure) *ValidationFailure {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.String())
	}
	return &ValidationFailure{
		Message: "Validation failed: " + strings.Join(parts, " / "),
		Items:   items,
	}
}

func (e *ValidationFailure) Error() string { return e.Message }

// Is reports whether target is ErrValidation.
func (e *ValidationFailure) Is(target error) bool { return target == ErrValidation }

// Fields returns the names of the failed fields in order.
func (e *ValidationFailure) Fields() []string {
	out := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		out = append(out, it.Field)
	}
	return out
}

// PersistenceFailure wraps a repository error. The save is not retried.
type PersistenceFailure struct {
	Op       string
	ObjectID int64
	Err      error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("objectstore: %s object %d: %v", e.Op, e.ObjectID, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }
