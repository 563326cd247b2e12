// Package schema holds the per-collection record contracts compiled from
// CUE and validates records against them before any optimistic write.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/livedb/internal/compiler"
	"github.com/roach88/livedb/internal/ir"
)

// Schema is the set of collection contracts of one session.
// A cue.Context is not safe for concurrent use, so every CUE operation is
// serialized on mu.
type Schema struct {
	mu        *sync.Mutex
	ctx       *cue.Context
	order     []string
	contracts map[string]*Contract
}

// Contract validates records of one collection.
type Contract struct {
	spec   *ir.CollectionSpec
	fields cue.Value
	mu     *sync.Mutex
	ctx    *cue.Context
}

// Parse compiles CUE source holding a top-level "collection" struct.
func Parse(src []byte, filename string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", filename, err)
	}
	return New(ctx, v)
}

// New builds a Schema from an already-built CUE value.
func New(ctx *cue.Context, v cue.Value) (*Schema, error) {
	specs, err := compiler.CompileSchema(v)
	if err != nil {
		return nil, err
	}
	if errs := compiler.Validate(specs); len(errs) > 0 {
		return nil, errs[0]
	}

	s := &Schema{
		mu:        &sync.Mutex{},
		ctx:       ctx,
		contracts: make(map[string]*Contract, len(specs)),
	}
	colVal := v.LookupPath(cue.ParsePath("collection"))
	for _, spec := range specs {
		s.order = append(s.order, spec.Name)
		s.contracts[spec.Name] = &Contract{
			spec:   spec,
			fields: compiler.FieldsValue(colVal.LookupPath(cue.MakePath(cue.Str(spec.Name)))),
			mu:     s.mu,
			ctx:    ctx,
		}
	}
	return s, nil
}

// Contract returns the contract for a collection.
func (s *Schema) Contract(name string) (*Contract, bool) {
	c, ok := s.contracts[name]
	return c, ok
}

// Contracts returns every contract in declaration order.
func (s *Schema) Contracts() []*Contract {
	out := make([]*Contract, len(s.order))
	for i, name := range s.order {
		out[i] = s.contracts[name]
	}
	return out
}

// Specs returns every collection spec in declaration order.
func (s *Schema) Specs() []*ir.CollectionSpec {
	out := make([]*ir.CollectionSpec, len(s.order))
	for i, name := range s.order {
		out[i] = s.contracts[name].spec
	}
	return out
}

// Spec returns the compiled collection spec.
func (c *Contract) Spec() *ir.CollectionSpec { return c.spec }

// Validate checks a full record against the contract and returns it with
// field defaults applied. The key field and timestamps may be absent.
// Failures are VALIDATION errors naming the offending field.
func (c *Contract) Validate(record ir.IRObject) (ir.IRObject, error) {
	name := c.spec.Name

	for field := range record {
		if !c.spec.HasField(field) {
			return nil, ir.NewValidationError(name, field, "unknown field")
		}
	}

	if v, ok := record[c.spec.KeyField()]; ok {
		if _, isKey := ir.KeyOf(v); !isKey {
			return nil, ir.NewValidationError(name, c.spec.KeyField(), "key must be a real or pending key")
		}
	}

	for _, ref := range c.spec.Refs {
		v, present := record[ref.Field]
		_, isNull := v.(ir.IRNull)
		switch {
		case !present || isNull:
			if !ref.Optional {
				return nil, ir.NewValidationError(name, ref.Field, fmt.Sprintf("reference to %s is required", ref.To))
			}
		default:
			if _, isKey := ir.KeyOf(v); !isKey {
				return nil, ir.NewValidationError(name, ref.Field, fmt.Sprintf("reference to %s must be a key", ref.To))
			}
		}
	}

	for field := range c.spec.Timestamps {
		v, ok := record[field]
		if !ok {
			continue
		}
		if _, isInt := v.(ir.IRInt); !isInt {
			return nil, ir.NewValidationError(name, field, "timestamp must be an int")
		}
	}

	payload := ir.IRObject{}
	for _, f := range c.spec.Fields {
		v, ok := record[f.Name]
		if !ok {
			continue
		}
		if _, isNull := v.(ir.IRNull); isNull && f.Optional {
			continue
		}
		payload[f.Name] = v
	}

	defaults, err := c.check(payload)
	if err != nil {
		return nil, err
	}

	out := record.Clone()
	if out == nil {
		out = ir.IRObject{}
	}
	for k, v := range defaults {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

// check unifies the payload with the CUE field constraints and returns the
// concrete result (payload plus defaults).
func (c *Contract) check(payload ir.IRObject) (ir.IRObject, error) {
	data, err := payload.MarshalJSON()
	if err != nil {
		return nil, ir.NewValidationError(c.spec.Name, "", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fields.Exists() {
		return ir.IRObject{}, nil
	}

	pv := c.ctx.CompileBytes(data)
	if err := pv.Err(); err != nil {
		return nil, ir.NewValidationError(c.spec.Name, "", err.Error())
	}
	unified := c.fields.Unify(pv)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, c.validationError(err)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, c.validationError(err)
	}
	obj, err := ir.DecodeObject(out)
	if err != nil {
		return nil, ir.NewValidationError(c.spec.Name, "", err.Error())
	}
	return obj, nil
}

// validationError converts the first CUE error into a VALIDATION error
// carrying the field path.
func (c *Contract) validationError(err error) *ir.SyncError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return ir.NewValidationError(c.spec.Name, "", err.Error())
	}
	first := errs[0]
	format, args := first.Msg()
	return ir.NewValidationError(c.spec.Name, c.fieldOf(first.Path()), fmt.Sprintf(format, args...))
}

// fieldOf picks the record field out of a CUE error path, which is rooted
// at the schema ("collection.articles.fields.title").
func (c *Contract) fieldOf(path []string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if _, ok := c.spec.Field(path[i]); ok {
			return path[i]
		}
	}
	return strings.Join(path, ".")
}
