package engine

import (
	"fmt"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/registry"
)

// validate checks a full record before it is written optimistically.
// Collections registered with a Validator (a CUE contract) use it;
// the others get a structural check against their spec.
func (e *Engine) validate(c *registry.Collection, rec ir.IRObject) (ir.IRObject, error) {
	if c.Validator != nil {
		return c.Validator.Validate(rec)
	}
	if err := checkShape(c.Spec(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func checkShape(spec *ir.CollectionSpec, rec ir.IRObject) error {
	for field := range rec {
		if !spec.HasField(field) {
			return ir.NewValidationError(spec.Name, field, "unknown field")
		}
	}
	for _, f := range spec.Fields {
		v, ok := rec[f.Name]
		if _, isNull := v.(ir.IRNull); !ok || isNull {
			if !f.Optional {
				return ir.NewValidationError(spec.Name, f.Name, "field is required")
			}
			continue
		}
		if !hasType(f.Type, v) {
			return ir.NewValidationError(spec.Name, f.Name, fmt.Sprintf("expected %s, got %T", f.Type, v))
		}
	}
	for _, ref := range spec.Refs {
		v, ok := rec[ref.Field]
		if _, isNull := v.(ir.IRNull); !ok || isNull {
			if !ref.Optional {
				return ir.NewValidationError(spec.Name, ref.Field, fmt.Sprintf("reference to %s is required", ref.To))
			}
			continue
		}
		if _, isKey := ir.KeyOf(v); !isKey {
			return ir.NewValidationError(spec.Name, ref.Field, fmt.Sprintf("reference to %s must be a key", ref.To))
		}
	}
	return nil
}

func hasType(typ string, v ir.IRValue) bool {
	switch v.(type) {
	case ir.IRString:
		return typ == "string"
	case ir.IRInt:
		return typ == "int" || typ == "key"
	case ir.IRBool:
		return typ == "bool"
	case ir.IRArray:
		return typ == "array"
	case ir.IRObject:
		return typ == "object"
	case ir.Key:
		return typ == "key"
	}
	return false
}
