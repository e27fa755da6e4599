package objectstore

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// FieldType names the kind of value a field holds.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldNumber      FieldType = "number"
	FieldBool        FieldType = "bool"
	FieldDate        FieldType = "date"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiselect"
	FieldRelation    FieldType = "relation"
)

// Field is one field definition of a class.
type Field struct {
	Name string
	Type FieldType

	Mandatory  bool
	Filterable bool

	// LazyLoading keeps relation targets out of the object's cache tags.
	LazyLoading bool

	// MaxLength bounds text fields. Zero means unbounded.
	MaxLength int

	// Pattern constrains text fields.
	Pattern string

	// Min and Max bound number fields.
	Min, Max *float64

	// Options lists the allowed select and multiselect values.
	Options []string

	// Validate runs after the built-in checks.
	Validate func(value any) error

	pattern *regexp.Regexp
}

func (f *Field) compile() error {
	if f.Name == "" {
		return fmt.Errorf("%w: field without name", ErrInvalidClass)
	}
	switch f.Type {
	case FieldText, FieldNumber, FieldBool, FieldDate, FieldRelation:
	case FieldSelect, FieldMultiSelect:
		if len(f.Options) == 0 {
			return fmt.Errorf("%w: field %s has no options", ErrInvalidClass, f.Name)
		}
	default:
		return fmt.Errorf("%w: field %s has unknown type %q", ErrInvalidClass, f.Name, f.Type)
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("%w: field %s pattern: %v", ErrInvalidClass, f.Name, err)
		}
		f.pattern = re
	}
	return nil
}

// Check validates value. omitMandatory skips the mandatory check; type and
// range rules still apply to non-empty values.
func (f *Field) Check(value any, omitMandatory bool) *FieldFailure {
	if isEmpty(value) {
		if f.Mandatory && !omitMandatory {
			return &FieldFailure{Field: f.Name, Message: "Empty mandatory field [ " + f.Name + " ]"}
		}
		return nil
	}

	var failure *FieldFailure
	switch f.Type {
	case FieldText:
		failure = f.checkText(value)
	case FieldNumber:
		failure = f.checkNumber(value)
	case FieldBool:
		if _, ok := value.(bool); !ok {
			failure = f.fail("invalid boolean")
		}
	case FieldDate:
		if _, ok := asTime(value); !ok {
			failure = f.fail("invalid date")
		}
	case FieldSelect:
		s, ok := value.(string)
		if !ok || !slices.Contains(f.Options, s) {
			failure = f.fail(fmt.Sprintf("invalid option %v", value))
		}
	case FieldMultiSelect:
		failure = f.checkMulti(value)
	case FieldRelation:
		failure = f.checkRelation(value)
	}
	if failure != nil {
		return failure
	}
	if f.Validate != nil {
		if err := f.Validate(value); err != nil {
			return f.fail(err.Error())
		}
	}
	return nil
}

func (f *Field) fail(msg string) *FieldFailure {
	return &FieldFailure{Field: f.Name, Message: msg}
}

func (f *Field) checkText(value any) *FieldFailure {
	s, ok := value.(string)
	if !ok {
		return f.fail("invalid text")
	}
	if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
		return f.fail(fmt.Sprintf("value exceeds max length of %d", f.MaxLength))
	}
	if f.pattern != nil && !f.pattern.MatchString(s) {
		return f.fail("value does not match pattern")
	}
	return nil
}

func (f *Field) checkNumber(value any) *FieldFailure {
	n, ok := asFloat(value)
	if !ok {
		return f.fail("invalid number")
	}
	if f.Min != nil && n < *f.Min {
		return f.fail(fmt.Sprintf("value %v is lower than minimum %v", n, *f.Min))
	}
	if f.Max != nil && n > *f.Max {
		return f.fail(fmt.Sprintf("value %v is greater than maximum %v", n, *f.Max))
	}
	return nil
}

func (f *Field) checkMulti(value any) *FieldFailure {
	items, ok := asStrings(value)
	if !ok {
		return f.fail("invalid multiselect value")
	}
	var subs []FieldFailure
	for i, it := range items {
		if !slices.Contains(f.Options, it) {
			subs = append(subs, FieldFailure{Message: fmt.Sprintf("invalid option %q", it), Context: []string{"index " + strconv.Itoa(i)}})
		}
	}
	if len(subs) > 0 {
		return &FieldFailure{Field: f.Name, Message: "invalid options", SubItems: subs}
	}
	return nil
}

func (f *Field) checkRelation(value any) *FieldFailure {
	ids, ok := RelationIDs(value)
	if !ok {
		return f.fail("invalid relation")
	}
	var subs []FieldFailure
	for i, id := range ids {
		if id <= 0 {
			subs = append(subs, FieldFailure{Message: fmt.Sprintf("invalid object id %d", id), Context: []string{"index " + strconv.Itoa(i)}})
		}
	}
	if len(subs) > 0 {
		return &FieldFailure{Field: f.Name, Message: "invalid relation", SubItems: subs}
	}
	return nil
}

// CacheTags returns the tags a relation value depends on.
func (f *Field) CacheTags(value any) []string {
	if f.Type != FieldRelation || f.LazyLoading {
		return nil
	}
	ids, _ := RelationIDs(value)
	tags := make([]string, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			tags = append(tags, ObjectTag(id))
		}
	}
	return tags
}

// RelationIDs normalizes a relation value: an ID or a list of IDs in any
// integer, float or json.Number form.
func RelationIDs(value any) ([]int64, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case []int64:
		return slices.Clone(v), true
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			id, ok := asID(item)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	default:
		id, ok := asID(v)
		if !ok {
			return nil, false
		}
		return []int64{id}, true
	}
}

func asID(v any) (int64, bool) {
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case []int64:
		return len(x) == 0
	case time.Time:
		return x.IsZero()
	default:
		return false
	}
}
