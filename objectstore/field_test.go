package objectstore

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestField_Check(t *testing.T) {
	one, ten := 1.0, 10.0
	tests := []struct {
		name    string
		field   Field
		value   any
		omit    bool
		wantErr string
	}{
		{name: "empty mandatory", field: Field{Name: "t", Type: FieldText, Mandatory: true}, value: "", wantErr: "Empty mandatory field [ t ]"},
		{name: "empty mandatory omitted", field: Field{Name: "t", Type: FieldText, Mandatory: true}, value: nil, omit: true},
		{name: "empty optional", field: Field{Name: "t", Type: FieldText}, value: ""},
		{name: "text ok", field: Field{Name: "t", Type: FieldText, MaxLength: 5}, value: "héllo"},
		{name: "text too long", field: Field{Name: "t", Type: FieldText, MaxLength: 3}, value: "four", wantErr: "max length"},
		{name: "text wrong type", field: Field{Name: "t", Type: FieldText}, value: 4, wantErr: "invalid text"},
		{name: "text pattern", field: Field{Name: "t", Type: FieldText, Pattern: `^[a-z]+$`}, value: "ABC", wantErr: "pattern"},
		{name: "number json", field: Field{Name: "n", Type: FieldNumber, Min: &one, Max: &ten}, value: json.Number("5")},
		{name: "number below", field: Field{Name: "n", Type: FieldNumber, Min: &one}, value: 0, wantErr: "lower than minimum"},
		{name: "number above", field: Field{Name: "n", Type: FieldNumber, Max: &ten}, value: 11.5, wantErr: "greater than maximum"},
		{name: "bool", field: Field{Name: "b", Type: FieldBool}, value: false},
		{name: "bool wrong", field: Field{Name: "b", Type: FieldBool}, value: "yes", wantErr: "invalid boolean"},
		{name: "date string", field: Field{Name: "d", Type: FieldDate}, value: "2024-05-01T10:00:00Z"},
		{name: "date time", field: Field{Name: "d", Type: FieldDate}, value: time.Now()},
		{name: "date bad", field: Field{Name: "d", Type: FieldDate}, value: "yesterday", wantErr: "invalid date"},
		{name: "select", field: Field{Name: "s", Type: FieldSelect, Options: []string{"a", "b"}}, value: "b"},
		{name: "select bad", field: Field{Name: "s", Type: FieldSelect, Options: []string{"a"}}, value: "z", wantErr: "invalid option z"},
		{name: "relation ids", field: Field{Name: "r", Type: FieldRelation}, value: []any{float64(1), json.Number("2")}},
		{name: "relation fraction", field: Field{Name: "r", Type: FieldRelation}, value: 1.5, wantErr: "invalid relation"},
		{name: "relation negative", field: Field{Name: "r", Type: FieldRelation}, value: []int64{3, -1}, wantErr: "invalid object id -1[ index 1 ]"},
		{name: "custom rule", field: Field{Name: "c", Type: FieldText, Validate: func(any) error { return errors.New("not allowed") }}, value: "x", wantErr: "not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.field
			if err := f.compile(); err != nil {
				t.Fatalf("compile() error = %v", err)
			}
			got := f.Check(tt.value, tt.omit)
			if tt.wantErr == "" {
				if got != nil {
					t.Fatalf("Check() = %s, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Check() = nil, want failure containing %q", tt.wantErr)
			}
			if !strings.Contains(got.String(), tt.wantErr) {
				t.Errorf("Check() = %q, want it to contain %q", got.String(), tt.wantErr)
			}
			if !strings.Contains(got.String(), "fieldname="+f.Name) {
				t.Errorf("Check() = %q lacks the field name", got.String())
			}
		})
	}
}

func TestNewClass_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		class Class
	}{
		{name: "empty id", class: Class{}},
		{name: "unknown type", class: Class{ID: "c", Fields: []*Field{{Name: "x", Type: "blob"}}}},
		{name: "select without options", class: Class{ID: "c", Fields: []*Field{{Name: "x", Type: FieldSelect}}}},
		{name: "bad pattern", class: Class{ID: "c", Fields: []*Field{{Name: "x", Type: FieldText, Pattern: "("}}}},
		{name: "duplicate", class: Class{ID: "c", Fields: []*Field{{Name: "x", Type: FieldText}, {Name: "X", Type: FieldText}}}},
		{name: "shadows system field", class: Class{ID: "c", Fields: []*Field{{Name: "Key", Type: FieldText}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClass(tt.class); !errors.Is(err, ErrInvalidClass) {
				t.Errorf("NewClass() error = %v, want ErrInvalidClass", err)
			}
		})
	}
}

func TestClass_AccessorIsCaseInsensitive(t *testing.T) {
	c, err := NewClass(Class{ID: "c", Fields: []*Field{{Name: "Headline", Type: FieldText}}})
	if err != nil {
		t.Fatal(err)
	}
	o := NewObject("c")

	acc, ok := c.Accessor("headline")
	if !ok || acc.Name != "Headline" || acc.System() {
		t.Fatalf("Accessor(headline) = %+v, %v", acc, ok)
	}
	if err := acc.Set(o, "Hi"); err != nil {
		t.Fatal(err)
	}
	if acc.Get(o) != "Hi" || !o.IsDirty("Headline") {
		t.Errorf("accessor did not write through to the object")
	}

	pid, ok := c.Accessor("PARENTID")
	if !ok || !pid.System() {
		t.Fatalf("Accessor(PARENTID) = %+v, %v", pid, ok)
	}
	if err := pid.Set(o, float64(4)); err != nil {
		t.Fatal(err)
	}
	if o.ParentID() != 4 {
		t.Errorf("ParentID() = %d, want 4", o.ParentID())
	}
	if err := pid.Set(o, "four"); err == nil {
		t.Error("Set(parentId, string) error = nil")
	}
}

func TestObject_GetReturnsCopy(t *testing.T) {
	o := NewObject("c")
	o.Set("list", []any{"a"})
	got := o.Get("list").([]any)
	got[0] = "changed"
	if o.Get("list").([]any)[0] != "a" {
		t.Error("mutating Get result changed the object")
	}
}

func TestDetectionSwitch_Restore(t *testing.T) {
	s := NewDetectionSwitch()
	restoreOuter := s.Set(false)
	restoreInner := s.Set(false)
	restoreInner()
	if s.Enabled() {
		t.Error("inner restore re-enabled detection while outer still holds it")
	}
	restoreOuter()
	if !s.Enabled() {
		t.Error("outer restore did not re-enable detection")
	}
}
