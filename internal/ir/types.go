package ir

import (
	"fmt"
	"slices"
)

// ValidTypes defines the allowed type strings for collection fields.
// NO "float" - floats are forbidden (they break value equality of results).
var ValidTypes = map[string]bool{
	"string": true,
	"int":    true,
	"bool":   true,
	"array":  true,
	"object": true,
	"key":    true,
}

// Reference delete behaviors enforced by the authoritative store.
const (
	OnDeleteRestrict = "restrict"
	OnDeleteCascade  = "cascade"
)

// Timestamp stamping modes for server-derived fields.
const (
	StampInsert = "insert" // set once when the row is created
	StampWrite  = "write"  // set on insert and every update
)

// CollectionSpec is the compiled contract of one entity type.
type CollectionSpec struct {
	Name string `json:"name"`

	// Key is the primary key field name. Defaults to "id".
	Key string `json:"key"`

	// Fields lists payload fields in declaration order. Reference fields and
	// the key field are not repeated here.
	Fields []FieldSpec `json:"fields"`

	// Refs lists reference fields pointing at other collections.
	Refs []RefSpec `json:"refs,omitempty"`

	// Unique lists natural composite keys (e.g. [["article_id","user_id"]]).
	// The first entry is the toggle key used by DeleteWhere and idempotent
	// inserts.
	Unique [][]string `json:"unique,omitempty"`

	// Parent names a self-reference field that forms a hierarchy
	// (comment replies). Must also appear in Refs.
	Parent string `json:"parent,omitempty"`

	// Local marks a collection persisted on the device instead of a
	// network backend.
	Local bool `json:"local,omitempty"`

	// Timestamps lists fields stamped by the backend, mapped to their
	// stamping mode (StampInsert or StampWrite).
	Timestamps map[string]string `json:"timestamps,omitempty"`
}

// FieldSpec describes a payload field.
type FieldSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// RefSpec describes a reference field.
type RefSpec struct {
	Field    string `json:"field"`
	To       string `json:"to"`
	Optional bool   `json:"optional,omitempty"`
	OnDelete string `json:"on_delete,omitempty"`
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// KeyField returns the primary key field name.
func (s *CollectionSpec) KeyField() string {
	if s.Key == "" {
		return "id"
	}
	return s.Key
}

// Field looks up a payload field by name.
func (s *CollectionSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Ref looks up a reference field by name.
func (s *CollectionSpec) Ref(field string) (RefSpec, bool) {
	for _, r := range s.Refs {
		if r.Field == field {
			return r, true
		}
	}
	return RefSpec{}, false
}

// ToggleKey returns the natural composite key, or nil when the collection
// has none.
func (s *CollectionSpec) ToggleKey() []string {
	if len(s.Unique) == 0 {
		return nil
	}
	return s.Unique[0]
}

// HasField reports whether name is the key, a payload field, a reference
// or a timestamp.
func (s *CollectionSpec) HasField(name string) bool {
	if name == s.KeyField() {
		return true
	}
	if _, ok := s.Field(name); ok {
		return true
	}
	if _, ok := s.Ref(name); ok {
		return true
	}
	_, ok := s.Timestamps[name]
	return ok
}

// Columns returns every field name in storage order: key, payload fields,
// references, then timestamps sorted by name.
func (s *CollectionSpec) Columns() []string {
	cols := []string{s.KeyField()}
	for _, f := range s.Fields {
		cols = append(cols, f.Name)
	}
	for _, r := range s.Refs {
		cols = append(cols, r.Field)
	}
	stamps := make([]string, 0, len(s.Timestamps))
	for name := range s.Timestamps {
		stamps = append(stamps, name)
	}
	slices.Sort(stamps)
	return append(cols, stamps...)
}

// Validate checks the spec against structural rules.
// Returns all errors (not fail-fast) for better developer experience.
func (s *CollectionSpec) Validate() []ValidationError {
	var errs []ValidationError

	if s.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "collection name is required"})
	}

	seen := map[string]bool{s.KeyField(): true}
	claim := func(path, name string) {
		if seen[name] {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("field %q declared more than once", name),
			})
		}
		seen[name] = true
	}

	for i, f := range s.Fields {
		claim(fmt.Sprintf("fields[%d]", i), f.Name)
		if !ValidTypes[f.Type] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fields[%d].type", i),
				Message: fmt.Sprintf("invalid type %q for field %q, must be one of: string, int, bool, array, object, key", f.Type, f.Name),
			})
		}
	}

	for i, r := range s.Refs {
		claim(fmt.Sprintf("refs[%d]", i), r.Field)
		if r.To == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("refs[%d].to", i),
				Message: fmt.Sprintf("reference %q has no target collection", r.Field),
			})
		}
		switch r.OnDelete {
		case "", OnDeleteRestrict, OnDeleteCascade:
		default:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("refs[%d].on_delete", i),
				Message: fmt.Sprintf("invalid on_delete %q, must be restrict or cascade", r.OnDelete),
			})
		}
	}

	for name, mode := range s.Timestamps {
		claim("timestamps."+name, name)
		if mode != StampInsert && mode != StampWrite {
			errs = append(errs, ValidationError{
				Field:   "timestamps." + name,
				Message: fmt.Sprintf("invalid stamping mode %q, must be insert or write", mode),
			})
		}
	}

	for i, group := range s.Unique {
		if len(group) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("unique[%d]", i),
				Message: "unique group must name at least one field",
			})
		}
		for _, name := range group {
			if !s.HasField(name) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("unique[%d]", i),
					Message: fmt.Sprintf("unknown field %q", name),
				})
			}
		}
	}

	if s.Parent != "" {
		r, ok := s.Ref(s.Parent)
		switch {
		case !ok:
			errs = append(errs, ValidationError{
				Field:   "parent",
				Message: fmt.Sprintf("parent field %q must be declared in refs", s.Parent),
			})
		case r.To != s.Name:
			errs = append(errs, ValidationError{
				Field:   "parent",
				Message: fmt.Sprintf("parent field %q must reference %q, not %q", s.Parent, s.Name, r.To),
			})
		}
	}

	return errs
}
