package queryir

import (
	"fmt"

	"github.com/roach88/livedb/internal/ir"
)

// ValidationResult contains portability analysis of a query.
//
// The portable fragment is the subset of the query IR that the SQL backend
// can evaluate with the same result as the in-memory engine. Queries outside
// it still run live; they just cannot be pushed down to the authoritative
// store.
type ValidationResult struct {
	// IsPortable indicates if the query uses only portable fragment features.
	IsPortable bool

	// Warnings lists non-portable features used in the query.
	// Empty when IsPortable is true.
	Warnings []string
}

// Validate checks if a query conforms to the portable fragment rules:
//  1. No virtual fields - $sync exists only in the client cache
//  2. No pending keys - the backend has never seen them
//  3. No null literals - use IsNull instead
//  4. Explicit projections for joins - the backend cannot flatten aliases
//
// Validate is a pure function with no side effects.
func Validate(q *Query) ValidationResult {
	v := &validator{
		warnings: []string{},
	}
	v.validateQuery(q)

	return ValidationResult{
		IsPortable: len(v.warnings) == 0,
		Warnings:   v.warnings,
	}
}

// validator accumulates warnings during traversal.
type validator struct {
	warnings []string
}

func (v *validator) addWarning(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q *Query) {
	if q == nil {
		v.addWarning("nil query - portable fragment requires a query")
		return
	}

	if len(q.Joins) > 0 && len(q.Select) == 0 {
		v.addWarning("Join without select - portable fragment requires explicit projections")
	}

	for _, j := range q.Joins {
		v.validatePredicate(j.On)
	}
	v.validatePredicate(q.Where)

	for _, g := range q.GroupBy {
		v.validateRef(g)
	}
	for _, p := range q.Select {
		switch e := p.Expr.(type) {
		case Field:
			v.validateRef(e.Ref)
		case Agg:
			if e.Of != nil {
				v.validateRef(*e.Of)
			}
		}
	}
}

func (v *validator) validateRef(r FieldRef) {
	if r.IsSync() {
		v.addWarning("Field '%s' is virtual - sync state is not stored by the backend", r)
	}
}

func (v *validator) validateValue(field FieldRef, value ir.IRValue) {
	switch val := value.(type) {
	case ir.IRNull:
		v.addWarning("Field '%s' compared to NULL - portable fragment requires explicit values", field)
	case ir.Key:
		if val.IsPending() {
			v.addWarning("Field '%s' compared to pending key %s - the backend cannot resolve it", field, val)
		}
	}
}

// validatePredicate recursively validates a predicate node.
func (v *validator) validatePredicate(p Predicate) {
	if p == nil {
		return // nil predicates are valid (no filter)
	}

	switch pred := Unwrap(p).(type) {
	case Equals:
		v.validateRef(pred.Field)
		v.validateValue(pred.Field, pred.Value)
	case BoundEquals:
		// Binding values are checked when the query is bound, not here.
		v.validateRef(pred.Field)
	case FieldEquals:
		v.validateRef(pred.Left)
		v.validateRef(pred.Right)
	case Compare:
		v.validateRef(pred.Field)
		v.validateValue(pred.Field, pred.Value)
	case In:
		v.validateRef(pred.Field)
		for _, val := range pred.Values {
			v.validateValue(pred.Field, val)
		}
	case IsNull:
		v.validateRef(pred.Field)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Not:
		v.validatePredicate(pred.Predicate)
	default:
		v.addWarning("Unknown predicate type: %T - portability cannot be verified", p)
	}
}
