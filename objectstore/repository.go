package objectstore

import (
	"context"
	"time"

	"github.com/jonwraymond/pagecache/queue"
)

// Repository persists objects, their scheduled tasks and their versions.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Load returns ErrNotFound for unknown IDs.
// - Ownership: implementations must not retain the passed *Object.
// - Atomicity: writes made through the Repository passed to InTx's fn are
// committed together when fn returns nil and discarded otherwise.
type Repository interface {
	// InTx runs fn against a transactional view of the repository.
	InTx(ctx context.Context, fn func(Repository) error) error

	// Load reads an object with no dirty fields.
	Load(ctx context.Context, id int64) (*Object, error)

	// VersionCountForUpdate returns the stored version count of id.
	VersionCountForUpdate(ctx context.Context, id int64) (int, error)

	// UpdateObject writes the base row. An object with ID 0 is inserted and
	// gets its ID assigned.
	UpdateObject(ctx context.Context, o *Object) error

	// UpdateFields writes the named data fields. Nil rewrites every field.
	UpdateFields(ctx context.Context, o *Object, fields []string) error

	// UpdateVersionCount stores a new version count and modification date.
	UpdateVersionCount(ctx context.Context, id int64, count int, modified time.Time) error

	SaveTasks(ctx context.Context, objectID int64, tasks []Task) error
	DeleteTasks(ctx context.Context, objectID int64) error

	// Delete removes the object row and its fields.
	Delete(ctx context.Context, id int64) error

	// AppendVersion stores v and assigns its ID.
	AppendVersion(ctx context.Context, v *Version) error

	// Versions returns the versions of an object, oldest first.
	Versions(ctx context.Context, objectID int64) ([]Version, error)

	// DeleteVersions removes the listed versions, or all of them when ids
	// is nil, and returns how many were removed.
	DeleteVersions(ctx context.Context, objectID int64, ids []int64) (int, error)

	// Find returns the objects matching q ordered by ID.
	Find(ctx context.Context, q Query) ([]*Object, error)
}

// Query selects objects of one class by a single field.
type Query struct {
	ClassID string

	// Field is the canonical field name.
	Field string

	// System marks Field as a built-in column.
	System bool

	// Relation matches objects whose relation field contains Value.
	Relation bool

	Value any

	Limit  int
	Offset int

	IncludeUnpublished bool
}

// Invalidator drops cache entries by tag. *cache.ResponseCache satisfies
// it.
type Invalidator interface {
	InvalidateTags(ctx context.Context, tags ...string) int
}

// Dispatcher hands messages to background workers. *queue.Bus satisfies
// it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg queue.Message) error
}
