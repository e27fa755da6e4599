package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrNilBackend = errors.New("cache: backend is nil")
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")

	// ErrWriteStorm is returned by Put when a non-forced write exceeds the
	// stampede threshold for its priority.
	ErrWriteStorm = errors.New("cache: write storm detected")
)

// Entry is one cached artifact.
type Entry struct {
	Key      string        `cbor:"k"`
	Payload  []byte        `cbor:"p"`
	Tags     []string      `cbor:"t,omitempty"`
	Lifetime time.Duration `cbor:"l,omitempty"` // 0 means no lifetime
	Priority int           `cbor:"r,omitempty"`
	Created  time.Time     `cbor:"c"`
}

// ExpiresAt returns the instant the entry becomes unreadable, or the zero
// time when it has no lifetime.
func (e Entry) ExpiresAt() time.Time {
	if e.Lifetime <= 0 {
		return time.Time{}
	}
	return e.Created.Add(e.Lifetime)
}

// Expired reports whether the entry is unreadable at now.
func (e Entry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Backend stores serialized entries.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods should honor cancellation/deadlines.
// - Errors: Get returns (Entry{}, false, nil) on miss; errors are reserved
// for backend failures. Delete is idempotent.
// - Retries: any retrying happens inside the backend.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Stats summarizes backend contents.
type Stats struct {
	Entries int
	Bytes   int64
}

// StatsReporter is implemented by backends that can report their size.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}

// Pinger is implemented by remote backends that support a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendFailure wraps an error raised by a Backend. ResponseCache logs and
// counts it; reads degrade to a miss.
type BackendFailure struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *BackendFailure) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache: %s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("cache: %s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *BackendFailure) Unwrap() error { return e.Err }

// ValidateKey checks if a key is usable.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}
