package cache

import "sort"

// TagIndex maps tags to the keys bound under them, and keys back to their
// tags so a removed key can be unbound everywhere.
//
// TagIndex is not safe for concurrent use; ResponseCache guards it.
type TagIndex struct {
	byTag map[string]map[string]struct{}
	byKey map[string]map[string]struct{}
}

// NewTagIndex creates an empty index.
func NewTagIndex() *TagIndex {
	return &TagIndex{
		byTag: make(map[string]map[string]struct{}),
		byKey: make(map[string]map[string]struct{}),
	}
}

// Bind registers key under tag.
func (ix *TagIndex) Bind(tag, key string) {
	addTo(ix.byTag, tag, key)
	addTo(ix.byKey, key, tag)
}

// Unbind removes key from tag. Empty bindings are dropped.
func (ix *TagIndex) Unbind(tag, key string) {
	removeFrom(ix.byTag, tag, key)
	removeFrom(ix.byKey, key, tag)
}

// UnbindKey removes key from every tag it is bound under.
func (ix *TagIndex) UnbindKey(key string) {
	for tag := range ix.byKey[key] {
		removeFrom(ix.byTag, tag, key)
	}
	delete(ix.byKey, key)
}

// Invalidate drops the binding for tag and unbinds every key it held from
// all other tags. It returns the removed keys in sorted order.
func (ix *TagIndex) Invalidate(tag string) []string {
	keys := sortedKeys(ix.byTag[tag])
	for _, key := range keys {
		ix.UnbindKey(key)
	}
	delete(ix.byTag, tag)
	return keys
}

// Keys returns the keys bound under tag in sorted order.
func (ix *TagIndex) Keys(tag string) []string {
	return sortedKeys(ix.byTag[tag])
}

// Tags returns the tags key is bound under in sorted order.
func (ix *TagIndex) Tags(key string) []string {
	return sortedKeys(ix.byKey[key])
}

// AllKeys returns every bound key in sorted order.
func (ix *TagIndex) AllKeys() []string {
	keys := make([]string, 0, len(ix.byKey))
	for k := range ix.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tags with at least one key.
func (ix *TagIndex) Len() int {
	return len(ix.byTag)
}

// Reset removes every binding.
func (ix *TagIndex) Reset() {
	clear(ix.byTag)
	clear(ix.byKey)
}

func addTo(m map[string]map[string]struct{}, outer, inner string) {
	set, ok := m[outer]
	if !ok {
		set = make(map[string]struct{})
		m[outer] = set
	}
	set[inner] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, outer, inner string) {
	set, ok := m[outer]
	if !ok {
		return
	}
	delete(set, inner)
	if len(set) == 0 {
		delete(m, outer)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
