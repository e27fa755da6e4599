package objectstore

import (
	"maps"
	"time"
)

// Task is a scheduled action stored with an object.
type Task struct {
	ID     int64     `json:"id,omitempty"`
	Date   time.Time `json:"date"`
	Action string    `json:"action"`
	Active bool      `json:"active"`
}

// Object is a stored content item. Setters mark fields dirty so a save
// writes only what changed.
type Object struct {
	ID               int64
	ClassID          string
	VersionCount     int
	CreationDate     time.Time
	ModificationDate time.Time
	Tasks            []Task

	parentID  int64
	key       string
	published bool
	fields    map[string]any

	dirty         DirtyTracker
	omitMandatory *bool
}

// Record is the persisted form of an Object.
type Record struct {
	ID               int64
	ClassID          string
	ParentID         int64
	Key              string
	Published        bool
	VersionCount     int
	CreationDate     time.Time
	ModificationDate time.Time
	Fields           map[string]any
	Tasks            []Task
}

// NewObject returns an unsaved object of classID.
func NewObject(classID string) *Object {
	return &Object{ClassID: classID, fields: make(map[string]any)}
}

// Restore rebuilds an object from its persisted form with no dirty fields.
func Restore(r Record) *Object {
	o := &Object{
		ID:               r.ID,
		ClassID:          r.ClassID,
		VersionCount:     r.VersionCount,
		CreationDate:     r.CreationDate,
		ModificationDate: r.ModificationDate,
		Tasks:            append([]Task(nil), r.Tasks...),
		parentID:         r.ParentID,
		key:              r.Key,
		published:        r.Published,
		fields:           deepCopyMap(r.Fields),
	}
	if o.fields == nil {
		o.fields = make(map[string]any)
	}
	return o
}

// Record returns a copy of the persisted form.
func (o *Object) Record() Record {
	return Record{
		ID:               o.ID,
		ClassID:          o.ClassID,
		ParentID:         o.parentID,
		Key:              o.key,
		Published:        o.published,
		VersionCount:     o.VersionCount,
		CreationDate:     o.CreationDate,
		ModificationDate: o.ModificationDate,
		Fields:           deepCopyMap(o.fields),
		Tasks:            append([]Task(nil), o.Tasks...),
	}
}

// objectMeta is the part of an Object a save assigns before it writes.
type objectMeta struct {
	id           int64
	versionCount int
	created      time.Time
	modified     time.Time
}

func (o *Object) meta() objectMeta {
	return objectMeta{id: o.ID, versionCount: o.VersionCount, created: o.CreationDate, modified: o.ModificationDate}
}

func (o *Object) setMeta(m objectMeta) {
	o.ID = m.id
	o.VersionCount = m.versionCount
	o.CreationDate = m.created
	o.ModificationDate = m.modified
}

func (o *Object) ParentID() int64 { return o.parentID }

func (o *Object) SetParentID(id int64) {
	o.parentID = id
	o.dirty.MarkDirty(FieldParentID)
}

func (o *Object) Key() string { return o.key }

func (o *Object) SetKey(key string) {
	o.key = key
	o.dirty.MarkDirty(FieldKey)
}

func (o *Object) Published() bool { return o.published }

func (o *Object) SetPublished(published bool) {
	o.published = published
	o.dirty.MarkDirty(FieldPublished)
}

// Get returns a copy of a data field value, or nil.
func (o *Object) Get(name string) any {
	return deepCopy(o.fields[name])
}

// Set assigns a data field and marks it dirty.
func (o *Object) Set(name string, value any) {
	if o.fields == nil {
		o.fields = make(map[string]any)
	}
	o.fields[name] = deepCopy(value)
	o.dirty.MarkDirty(name)
}

// Fields returns a copy of every data field.
func (o *Object) Fields() map[string]any {
	return deepCopyMap(o.fields)
}

// IsDirty reports whether name changed since the last save.
func (o *Object) IsDirty(name string) bool { return o.dirty.IsDirty(name) }

// DirtyFields lists the fields changed since the last save.
func (o *Object) DirtyFields() []string { return o.dirty.Fields() }

// SetOmitMandatoryCheck overrides whether mandatory fields are enforced.
func (o *Object) SetOmitMandatoryCheck(omit bool) { o.omitMandatory = &omit }

// OmitMandatoryCheck reports whether mandatory checks are skipped. Unless
// overridden they are skipped for unpublished objects.
func (o *Object) OmitMandatoryCheck() bool {
	if o.omitMandatory != nil {
		return *o.omitMandatory
	}
	return !o.published
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []int64:
		return append([]int64(nil), x...)
	case map[string]string:
		return maps.Clone(x)
	default:
		return v
	}
}
