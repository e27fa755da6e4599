package config

import (
	"time"

	"github.com/jonwraymond/pagecache/objectstore"
)

// ClassConfig defines an object class in YAML:
//
//	classes:
//	  - id: news
//	    allow_inherit: true
//	    fields:
//	      - {name: title, type: text, mandatory: true, filterable: true}
//	      - {name: related, type: relation, lazy: true}
type ClassConfig struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	AllowInherit     bool          `yaml:"allow_inherit"`
	ModificationDate time.Time     `yaml:"modification_date"`
	Fields           []FieldConfig `yaml:"fields"`
}

// FieldConfig defines one field of a class.
type FieldConfig struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Mandatory  bool     `yaml:"mandatory"`
	Filterable bool     `yaml:"filterable"`
	Lazy       bool     `yaml:"lazy"`
	MaxLength  int      `yaml:"max_length"`
	Pattern    string   `yaml:"pattern"`
	Min        *float64 `yaml:"min"`
	Max        *float64 `yaml:"max"`
	Options    []string `yaml:"options"`
}

// Build validates the definition and returns the class.
func (c ClassConfig) Build() (*objectstore.Class, error) {
	fields := make([]*objectstore.Field, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, &objectstore.Field{
			Name:        f.Name,
			Type:        objectstore.FieldType(f.Type),
			Mandatory:   f.Mandatory,
			Filterable:  f.Filterable,
			LazyLoading: f.Lazy,
			MaxLength:   f.MaxLength,
			Pattern:     f.Pattern,
			Min:         f.Min,
			Max:         f.Max,
			Options:     f.Options,
		})
	}
	return objectstore.NewClass(objectstore.Class{
		ID:               c.ID,
		Name:             c.Name,
		AllowInherit:     c.AllowInherit,
		ModificationDate: c.ModificationDate,
		Fields:           fields,
	})
}
