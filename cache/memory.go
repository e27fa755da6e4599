package cache

import (
	"context"
	"slices"
	"sync"
)

// MemoryBackend keeps entries in a process-local map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

// Get returns a copy of the stored entry. Expiry is left to the caller.
func (b *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

// Set stores a copy of e, replacing any entry under the same key.
func (b *MemoryBackend) Set(_ context.Context, e Entry) error {
	b.mu.Lock()
	b.entries[e.Key] = cloneEntry(e)
	b.mu.Unlock()
	return nil
}

// Delete removes key. Idempotent.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (b *MemoryBackend) Clear(context.Context) error {
	b.mu.Lock()
	clear(b.entries)
	b.mu.Unlock()
	return nil
}

// Stats reports entry count and payload bytes.
func (b *MemoryBackend) Stats(context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Entries: len(b.entries)}
	for _, e := range b.entries {
		s.Bytes += int64(len(e.Payload))
	}
	return s, nil
}

func cloneEntry(e Entry) Entry {
	e.Payload = slices.Clone(e.Payload)
	e.Tags = slices.Clone(e.Tags)
	return e
}

var (
	_ Backend       = (*MemoryBackend)(nil)
	_ StatsReporter = (*MemoryBackend)(nil)
)
