package cache

import (
	"context"
	"sync"
)

// IgnoreScope holds tags that must not be written for the remainder of a
// request.
type IgnoreScope struct {
	mu   sync.RWMutex
	tags map[string]struct{}
}

// NewIgnoreScope creates an empty scope.
func NewIgnoreScope() *IgnoreScope {
	return &IgnoreScope{tags: make(map[string]struct{})}
}

// Add suppresses tag.
func (s *IgnoreScope) Add(tag string) {
	s.mu.Lock()
	s.tags[tag] = struct{}{}
	s.mu.Unlock()
}

// Remove lifts the suppression of tag.
func (s *IgnoreScope) Remove(tag string) {
	s.mu.Lock()
	delete(s.tags, tag)
	s.mu.Unlock()
}

// Ignored reports whether tag is suppressed.
func (s *IgnoreScope) Ignored(tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[tag]
	return ok
}

// AnyIgnored returns the first suppressed tag in tags.
func (s *IgnoreScope) AnyIgnored(tags []string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range tags {
		if _, ok := s.tags[t]; ok {
			return t, true
		}
	}
	return "", false
}

// Reset clears the scope.
func (s *IgnoreScope) Reset() {
	s.mu.Lock()
	clear(s.tags)
	s.mu.Unlock()
}

type ignoreScopeKey struct{}

// WithIgnoreScope returns a context carrying a fresh IgnoreScope. An
// existing scope in ctx is replaced.
func WithIgnoreScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, ignoreScopeKey{}, NewIgnoreScope())
}

// IgnoreScopeFrom returns the scope carried by ctx, if any.
func IgnoreScopeFrom(ctx context.Context) (*IgnoreScope, bool) {
	s, ok := ctx.Value(ignoreScopeKey{}).(*IgnoreScope)
	return s, ok
}
