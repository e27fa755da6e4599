package objectstore

import (
	"slices"
	"sync"
)

// DirtyTracker records which fields changed since the last persist.
//
// Contract:
// - Concurrency: not safe for concurrent use; it belongs to one Object.
type DirtyTracker struct {
	fields map[string]struct{}
}

// MarkDirty flags name as changed.
func (t *DirtyTracker) MarkDirty(name string) {
	if t.fields == nil {
		t.fields = make(map[string]struct{})
	}
	t.fields[name] = struct{}{}
}

// IsDirty reports whether name changed.
func (t *DirtyTracker) IsDirty(name string) bool {
	_, ok := t.fields[name]
	return ok
}

// Fields returns the changed field names, sorted.
func (t *DirtyTracker) Fields() []string {
	out := make([]string, 0, len(t.fields))
	for name := range t.fields {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Reset forgets every change.
func (t *DirtyTracker) Reset() {
	t.fields = nil
}

// DetectionSwitch turns dirty detection on and off for a Store. When off,
// writes rewrite every field instead of only the dirty ones.
type DetectionSwitch struct {
	mu      sync.Mutex
	enabled bool
}

// NewDetectionSwitch returns an enabled switch.
func NewDetectionSwitch() *DetectionSwitch {
	return &DetectionSwitch{enabled: true}
}

// Enabled reports the current state.
func (s *DetectionSwitch) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Set changes the state and returns a func restoring the previous one.
func (s *DetectionSwitch) Set(enabled bool) (restore func()) {
	s.mu.Lock()
	prev := s.enabled
	s.enabled = enabled
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.enabled = prev
		s.mu.Unlock()
	}
}
