package objectstore

import (
	"fmt"
	"strings"
	"time"
)

// System field names, usable with Class.Accessor and FindByField.
const (
	FieldKey       = "key"
	FieldPublished = "published"
	FieldParentID  = "parentId"
)

// Class defines the fields of a kind of object.
type Class struct {
	ID   string
	Name string

	// AllowInherit lets an invalid field fall back to the value of the
	// nearest ancestor of the same class.
	AllowInherit bool

	// ModificationDate is when the definition last changed. Objects saved
	// before it are rewritten in full.
	ModificationDate time.Time

	Fields []*Field

	accessors map[string]Accessor
}

// Accessor is one capability table entry: how to read and write a field
// and the rule it must satisfy. System accessors have a nil Field.
type Accessor struct {
	Name  string
	Field *Field
	Get   func(o *Object) any
	Set   func(o *Object, v any) error
}

// System reports whether the accessor targets a built-in column.
func (a Accessor) System() bool { return a.Field == nil }

// Filterable reports whether FindByField may search by the accessor.
func (a Accessor) Filterable() bool {
	return a.Field == nil || a.Field.Filterable
}

// NewClass validates the definition and builds its capability table.
func NewClass(c Class) (*Class, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("%w: empty class id", ErrInvalidClass)
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	c.accessors = make(map[string]Accessor, len(c.Fields)+3)
	for _, sys := range systemAccessors() {
		c.accessors[strings.ToLower(sys.Name)] = sys
	}
	for _, f := range c.Fields {
		if f == nil {
			return nil, fmt.Errorf("%w: nil field in class %s", ErrInvalidClass, c.ID)
		}
		if err := f.compile(); err != nil {
			return nil, err
		}
		k := strings.ToLower(f.Name)
		if _, dup := c.accessors[k]; dup {
			return nil, fmt.Errorf("%w: duplicate field %s in class %s", ErrInvalidClass, f.Name, c.ID)
		}
		c.accessors[k] = fieldAccessor(f)
	}
	return &c, nil
}

// Accessor looks up a field by name, ignoring case.
func (c *Class) Accessor(name string) (Accessor, bool) {
	a, ok := c.accessors[strings.ToLower(name)]
	return a, ok
}

// Field returns the definition of a data field.
func (c *Class) Field(name string) (*Field, bool) {
	a, ok := c.Accessor(name)
	if !ok || a.Field == nil {
		return nil, false
	}
	return a.Field, true
}

func fieldAccessor(f *Field) Accessor {
	return Accessor{
		Name:  f.Name,
		Field: f,
		Get:   func(o *Object) any { return o.Get(f.Name) },
		Set: func(o *Object, v any) error {
			o.Set(f.Name, v)
			return nil
		},
	}
}

func systemAccessors() []Accessor {
	return []Accessor{
		{
			Name: FieldKey,
			Get:  func(o *Object) any { return o.Key() },
			Set: func(o *Object, v any) error {
				s, ok := v.(string)
				if !ok {
					return fmt.Errorf("objectstore: key must be a string, got %T", v)
				}
				o.SetKey(s)
				return nil
			},
		},
		{
			Name: FieldPublished,
			Get:  func(o *Object) any { return o.Published() },
			Set: func(o *Object, v any) error {
				b, ok := v.(bool)
				if !ok {
					return fmt.Errorf("objectstore: published must be a bool, got %T", v)
				}
				o.SetPublished(b)
				return nil
			},
		},
		{
			Name: FieldParentID,
			Get:  func(o *Object) any { return o.ParentID() },
			Set: func(o *Object, v any) error {
				id, ok := asID(v)
				if !ok {
					return fmt.Errorf("objectstore: parentId must be an integer, got %T", v)
				}
				o.SetParentID(id)
				return nil
			},
		},
	}
}

// ClassTag is the cache tag shared by every object of a class.
func ClassTag(classID string) string { return "class_" + classID }

// ObjectTag is the cache tag of one object.
func ObjectTag(id int64) string { return fmt.Sprintf("object_%d", id) }
