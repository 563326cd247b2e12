package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/livedb/internal/ir"
)

// CompileSchema compiles every collection under the top-level
// "collection" struct of v, in declaration order.
func CompileSchema(v cue.Value) ([]*ir.CollectionSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	colVal := v.LookupPath(cue.ParsePath("collection"))
	if !colVal.Exists() {
		return nil, &CompileError{
			Field:   "collection",
			Message: "no collections declared",
			Pos:     v.Pos(),
		}
	}

	iter, err := colVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []*ir.CollectionSpec
	for iter.Next() {
		spec, err := CompileCollection(iter.Value())
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CompileCollection parses a CUE value into a CollectionSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the collection struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`collection: articles: { fields: { title: string } }`)
//	spec, err := CompileCollection(v.LookupPath(cue.ParsePath("collection.articles")))
func CompileCollection(v cue.Value) (*ir.CollectionSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.CollectionSpec{Key: "id"}

	// Collection name comes from the struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}

	var err error
	if spec.Key, err = optionalString(v, "key", "id"); err != nil {
		return nil, err
	}
	if spec.Parent, err = optionalString(v, "parent", ""); err != nil {
		return nil, err
	}

	if localVal := v.LookupPath(cue.ParsePath("local")); localVal.Exists() {
		if spec.Local, err = localVal.Bool(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		if spec.Fields, err = parseFields(fieldsVal); err != nil {
			return nil, err
		}
	}

	if spec.Refs, err = parseRefs(v); err != nil {
		return nil, err
	}

	if uniqueVal := v.LookupPath(cue.ParsePath("unique")); uniqueVal.Exists() {
		if err := uniqueVal.Decode(&spec.Unique); err != nil {
			return nil, &CompileError{
				Field:   "unique",
				Message: fmt.Sprintf("unique must be a list of field-name lists: %v", err),
				Pos:     uniqueVal.Pos(),
			}
		}
	}

	if tsVal := v.LookupPath(cue.ParsePath("timestamps")); tsVal.Exists() {
		if err := tsVal.Decode(&spec.Timestamps); err != nil {
			return nil, &CompileError{
				Field:   "timestamps",
				Message: fmt.Sprintf("timestamps must map field names to \"insert\" or \"write\": %v", err),
				Pos:     tsVal.Pos(),
			}
		}
	}

	if errs := spec.Validate(); len(errs) > 0 {
		return nil, &CompileError{
			Field:   fmt.Sprintf("collection.%s.%s", spec.Name, errs[0].Field),
			Message: errs[0].Message,
			Pos:     v.Pos(),
		}
	}

	return spec, nil
}

// FieldsValue returns the "fields" struct of a collection value, which is
// the CUE constraint records are validated against.
func FieldsValue(v cue.Value) cue.Value {
	return v.LookupPath(cue.ParsePath("fields"))
}

func optionalString(v cue.Value, path, def string) (string, error) {
	sv := v.LookupPath(cue.ParsePath(path))
	if !sv.Exists() {
		return def, nil
	}
	s, err := sv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// parseFields extracts payload fields in declaration order.
// Fields that are optional, have a default, or admit null are optional.
func parseFields(v cue.Value) ([]ir.FieldSpec, error) {
	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fields []ir.FieldSpec
	for iter.Next() {
		fv := iter.Value()
		typeName, nullable, err := extractTypeName(fv)
		if err != nil {
			if ce, ok := err.(*CompileError); ok {
				ce.Field = "fields." + iter.Label()
			}
			return nil, err
		}
		_, hasDefault := fv.Default()
		fields = append(fields, ir.FieldSpec{
			Name:     iter.Label(),
			Type:     typeName,
			Optional: iter.IsOptional() || hasDefault || nullable,
		})
	}
	return fields, nil
}

// parseRefs extracts reference declarations in declaration order.
func parseRefs(v cue.Value) ([]ir.RefSpec, error) {
	refsVal := v.LookupPath(cue.ParsePath("refs"))
	if !refsVal.Exists() {
		return nil, nil
	}

	iter, err := refsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var refs []ir.RefSpec
	for iter.Next() {
		field := iter.Label()
		rv := iter.Value()

		// Shorthand: author_id: "users"
		if to, err := rv.String(); err == nil {
			refs = append(refs, ir.RefSpec{Field: field, To: to, OnDelete: ir.OnDeleteRestrict})
			continue
		}

		var decoded struct {
			To       string `json:"to"`
			Optional bool   `json:"optional"`
			OnDelete string `json:"on_delete"`
		}
		if err := rv.Decode(&decoded); err != nil {
			return nil, &CompileError{
				Field:   "refs." + field,
				Message: fmt.Sprintf("reference must be a collection name or {to, optional?, on_delete?}: %v", err),
				Pos:     rv.Pos(),
			}
		}
		if decoded.OnDelete == "" {
			decoded.OnDelete = ir.OnDeleteRestrict
		}
		refs = append(refs, ir.RefSpec{
			Field:    field,
			To:       decoded.To,
			Optional: decoded.Optional,
			OnDelete: decoded.OnDelete,
		})
	}
	return refs, nil
}

// extractTypeName converts CUE type to IR type string.
// Floats are forbidden. A disjunction with null reports nullable.
func extractTypeName(v cue.Value) (string, bool, error) {
	kind := v.IncompleteKind()
	nullable := false
	if kind&cue.NullKind != 0 && kind != cue.NullKind {
		nullable = true
		kind &^= cue.NullKind
	}

	switch kind {
	case cue.StringKind:
		return "string", nullable, nil
	case cue.IntKind:
		return "int", nullable, nil
	case cue.BoolKind:
		return "bool", nullable, nil
	case cue.ListKind:
		return "array", nullable, nil
	case cue.StructKind:
		return "object", nullable, nil
	case cue.FloatKind, cue.NumberKind:
		return "", false, &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", false, &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
