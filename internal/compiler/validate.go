package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/livedb/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// CollectionSpec errors (E101-E109)
	ErrCollectionNameEmpty = "E101" // name is required
	ErrInvalidFieldType    = "E104" // invalid type string
	ErrDuplicateName       = "E105" // duplicate collection/field name
	ErrFloatTypeForbidden  = "E106" // float types not allowed

	// Relationship errors (E110-E119)
	ErrUnknownRefTarget = "E110" // reference to an undeclared collection
	ErrInvalidOnDelete  = "E111" // on_delete not restrict/cascade
	ErrInvalidUnique    = "E112" // unique group names unknown field
	ErrInvalidParent    = "E113" // parent is not a self-reference
	ErrInvalidTimestamp = "E114" // bad stamping mode
	ErrLocalReference   = "E115" // network collection references a local one
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates compiled IR against schema rules.
// Returns all errors found (does not fail-fast).
// Supports a single CollectionSpec or a whole schema ([]*ir.CollectionSpec).
func Validate(v any) []ValidationError {
	switch spec := v.(type) {
	case *ir.CollectionSpec:
		return validateCollectionSpec(spec)
	case ir.CollectionSpec:
		return validateCollectionSpec(&spec)
	case []*ir.CollectionSpec:
		return validateSchema(spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

// validateCollectionSpec lifts the structural checks of one collection
// into coded validation errors.
func validateCollectionSpec(spec *ir.CollectionSpec) []ValidationError {
	var errs []ValidationError
	prefix := "collection." + spec.Name + "."

	for _, e := range spec.Validate() {
		code := codeFor(e)
		errs = append(errs, ValidationError{
			Field:   prefix + e.Field,
			Message: e.Message,
			Code:    code,
		})
	}

	// E106: float forbidden (explicit check even if not in valid types)
	for i, f := range spec.Fields {
		if isFloatType(f.Type) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%sfields[%d].type", prefix, i),
				Message: fmt.Sprintf("float type forbidden for field %q, use int instead", f.Name),
				Code:    ErrFloatTypeForbidden,
			})
		}
	}

	return errs
}

// validateSchema validates every collection plus the relationships
// between them.
func validateSchema(specs []*ir.CollectionSpec) []ValidationError {
	var errs []ValidationError

	byName := make(map[string]*ir.CollectionSpec, len(specs))
	for i, spec := range specs {
		if _, dup := byName[spec.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("collection[%d]", i),
				Message: fmt.Sprintf("duplicate collection name: %q", spec.Name),
				Code:    ErrDuplicateName,
			})
		}
		byName[spec.Name] = spec
	}

	for _, spec := range specs {
		errs = append(errs, validateCollectionSpec(spec)...)

		for i, ref := range spec.Refs {
			target, ok := byName[ref.To]
			if !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("collection.%s.refs[%d].to", spec.Name, i),
					Message: fmt.Sprintf("reference %q targets undeclared collection %q", ref.Field, ref.To),
					Code:    ErrUnknownRefTarget,
				})
				continue
			}
			if target.Local && !spec.Local {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("collection.%s.refs[%d].to", spec.Name, i),
					Message: fmt.Sprintf("backend collection cannot reference local collection %q", ref.To),
					Code:    ErrLocalReference,
				})
			}
		}
	}

	return errs
}

func codeFor(e ir.ValidationError) string {
	switch {
	case e.Field == "name":
		return ErrCollectionNameEmpty
	case strings.HasSuffix(e.Field, ".type"):
		return ErrInvalidFieldType
	case strings.HasSuffix(e.Field, ".to"):
		return ErrUnknownRefTarget
	case strings.HasSuffix(e.Field, ".on_delete"):
		return ErrInvalidOnDelete
	case strings.HasPrefix(e.Field, "unique"):
		return ErrInvalidUnique
	case e.Field == "parent":
		return ErrInvalidParent
	case strings.HasPrefix(e.Field, "timestamps") && !strings.Contains(e.Message, "more than once"):
		return ErrInvalidTimestamp
	default:
		return ErrDuplicateName
	}
}

// isFloatType checks if a type string represents a float type.
func isFloatType(t string) bool {
	floatTypes := map[string]bool{
		"float":   true,
		"float32": true,
		"float64": true,
		"number":  true,
		"double":  true,
	}
	return floatTypes[t]
}
