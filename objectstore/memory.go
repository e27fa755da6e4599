package objectstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps objects in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	objects  map[int64]Record
	versions map[int64][]Version
	nextID   int64
	nextVer  int64
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		objects:  make(map[int64]Record),
		versions: make(map[int64][]Version),
	}
}

// Ping reports ctx cancellation; the repository itself is always reachable.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// InTx implements Repository. fn works on a staged copy that replaces the
// repository contents only when fn succeeds. Other callers wait until the
// transaction ends.
func (m *MemoryRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.stage()
	if err := fn(staged); err != nil {
		return err
	}
	m.objects = staged.objects
	m.versions = staged.versions
	m.nextID = staged.nextID
	m.nextVer = staged.nextVer
	return nil
}

// stage copies the contents deep enough that writes to the copy never
// reach m. The caller holds m.mu.
func (m *MemoryRepository) stage() *MemoryRepository {
	s := &MemoryRepository{
		objects:  make(map[int64]Record, len(m.objects)),
		versions: make(map[int64][]Version, len(m.versions)),
		nextID:   m.nextID,
		nextVer:  m.nextVer,
	}
	for id, rec := range m.objects {
		rec.Fields = maps.Clone(rec.Fields)
		rec.Tasks = slices.Clone(rec.Tasks)
		s.objects[id] = rec
	}
	for id, vs := range m.versions {
		s.versions[id] = slices.Clone(vs)
	}
	return s
}

// Load implements Repository.
func (m *MemoryRepository) Load(ctx context.Context, id int64) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return Restore(r), nil
}

// VersionCountForUpdate implements Repository.
func (m *MemoryRepository) VersionCountForUpdate(ctx context.Context, id int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.objects[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.VersionCount, nil
}

// UpdateObject implements Repository.
func (m *MemoryRepository) UpdateObject(ctx context.Context, o *Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == 0 {
		m.nextID++
		o.ID = m.nextID
	}
	rec := o.Record()
	if prev, ok := m.objects[o.ID]; ok {
		rec.Fields = prev.Fields
		rec.Tasks = prev.Tasks
	} else {
		rec.Fields = nil
		rec.Tasks = nil
	}
	m.objects[o.ID] = rec
	return nil
}

// UpdateFields implements Repository.
func (m *MemoryRepository) UpdateFields(ctx context.Context, o *Object, fields []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.objects[o.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, o.ID)
	}
	if fields == nil {
		rec.Fields = o.Fields()
	} else {
		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(fields))
		}
		for _, name := range fields {
			rec.Fields[name] = o.Get(name)
		}
	}
	m.objects[o.ID] = rec
	return nil
}

// UpdateVersionCount implements Repository.
func (m *MemoryRepository) UpdateVersionCount(ctx context.Context, id int64, count int, modified time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	rec.VersionCount = count
	rec.ModificationDate = modified
	m.objects[id] = rec
	return nil
}

// SaveTasks implements Repository.
func (m *MemoryRepository) SaveTasks(ctx context.Context, objectID int64, tasks []Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[objectID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, objectID)
	}
	rec.Tasks = slices.Clone(tasks)
	m.objects[objectID] = rec
	return nil
}

// DeleteTasks implements Repository.
func (m *MemoryRepository) DeleteTasks(ctx context.Context, objectID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.objects[objectID]; ok {
		rec.Tasks = nil
		m.objects[objectID] = rec
	}
	return nil
}

// Delete implements Repository.
func (m *MemoryRepository) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

// AppendVersion implements Repository.
func (m *MemoryRepository) AppendVersion(ctx context.Context, v *Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextVer++
	v.ID = m.nextVer
	m.versions[v.ObjectID] = append(m.versions[v.ObjectID], v.clone())
	return nil
}

// Versions implements Repository.
func (m *MemoryRepository) Versions(ctx context.Context, objectID int64) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.versions[objectID]
	out := make([]Version, len(src))
	for i, v := range src {
		out[i] = v.clone()
	}
	return out, nil
}

// DeleteVersions implements Repository.
func (m *MemoryRepository) DeleteVersions(ctx context.Context, objectID int64, ids []int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.versions[objectID]
	if ids == nil {
		delete(m.versions, objectID)
		return len(src), nil
	}
	kept := src[:0]
	for _, v := range src {
		if !slices.Contains(ids, v.ID) {
			kept = append(kept, v)
		}
	}
	removed := len(src) - len(kept)
	m.versions[objectID] = kept
	return removed, nil
}

// Find implements Repository.
func (m *MemoryRepository) Find(ctx context.Context, q Query) ([]*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var matched []Record
	for _, rec := range m.objects {
		if rec.ClassID != q.ClassID {
			continue
		}
		if !q.IncludeUnpublished && !rec.Published {
			continue
		}
		if recordMatches(rec, q) {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*Object, len(matched))
	for i, rec := range matched {
		out[i] = Restore(rec)
	}
	return out, nil
}

func recordMatches(rec Record, q Query) bool {
	if q.System {
		switch q.Field {
		case FieldKey:
			return rec.Key == q.Value
		case FieldPublished:
			return rec.Published == q.Value
		case FieldParentID:
			id, ok := asID(q.Value)
			return ok && rec.ParentID == id
		}
		return false
	}
	stored := rec.Fields[q.Field]
	if q.Relation {
		want, ok := asID(q.Value)
		if !ok {
			return false
		}
		ids, _ := RelationIDs(stored)
		return slices.Contains(ids, want)
	}
	return valuesEqual(stored, q.Value)
}

func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case string, bool:
		return x == b
	case time.Time:
		t, ok := asTime(b)
		return ok && x.Equal(t)
	}
	return false
}

var _ Repository = (*MemoryRepository)(nil)
