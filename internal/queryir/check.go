package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/livedb/internal/ir"
)

// Lookup resolves a collection name to its spec.
type Lookup func(collection string) (*ir.CollectionSpec, bool)

// Check verifies a query against the collection specs it reads: sources
// exist, aliases are unique, every field reference resolves, grouped
// projections are group keys or aggregates, and ordering names an output
// column. It returns a VALIDATION *ir.SyncError listing every problem.
func Check(q *Query, lookup Lookup) error {
	c := &checker{q: q, lookup: lookup, sources: map[string]*ir.CollectionSpec{}}
	c.run()
	if len(c.issues) == 0 {
		return nil
	}
	return ir.Errorf(ir.ErrCodeValidation, q.From.Collection, "invalid query: %s", strings.Join(c.issues, "; "))
}

type checker struct {
	q       *Query
	lookup  Lookup
	sources map[string]*ir.CollectionSpec
	issues  []string
}

func (c *checker) addIssue(format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf(format, args...))
}

func (c *checker) addSource(src Source) {
	alias := src.Name()
	if alias == "" {
		c.addIssue("source without collection")
		return
	}
	if _, dup := c.sources[alias]; dup {
		c.addIssue("alias %q used more than once", alias)
		return
	}
	spec, ok := c.lookup(src.Collection)
	if !ok {
		c.addIssue("unknown collection %q", src.Collection)
		c.sources[alias] = nil
		return
	}
	c.sources[alias] = spec
}

func (c *checker) run() {
	q := c.q
	c.addSource(q.From)
	for i, j := range q.Joins {
		c.addSource(j.Source)
		if j.Kind != JoinInner && j.Kind != JoinLeft {
			c.addIssue("join[%d]: unknown kind %q", i, j.Kind)
		}
		if j.On == nil {
			c.addIssue("join[%d]: missing on condition", i)
			continue
		}
		// A join condition may only read sources introduced so far.
		c.predicate(j.On, q.Aliases()[:i+2])
	}
	all := q.Aliases()
	if q.Where != nil {
		c.predicate(q.Where, all)
	}

	for _, g := range q.GroupBy {
		c.ref(g, all)
	}

	grouped := q.Grouped()
	columns := map[string]bool{}
	for i, p := range q.Select {
		if p.As == "" {
			c.addIssue("select[%d]: missing column name", i)
		} else if columns[p.As] {
			c.addIssue("select[%d]: column %q projected twice", i, p.As)
		}
		columns[p.As] = true

		switch e := p.Expr.(type) {
		case Field:
			c.ref(e.Ref, all)
			if grouped && !c.isGroupKey(e.Ref) {
				c.addIssue("select %q: %s is neither grouped nor aggregated", p.As, e.Ref)
			}
		case Agg:
			c.agg(p.As, e, all)
		default:
			c.addIssue("select %q: unsupported expression %T", p.As, p.Expr)
		}
	}
	if grouped && len(q.Select) == 0 {
		c.addIssue("grouped query needs explicit select")
	}

	if len(q.Select) == 0 {
		// Ungrouped queries without select yield the From records.
		spec := c.sources[q.From.Name()]
		for _, o := range q.OrderBy {
			if spec != nil && !spec.HasField(o.Field) {
				c.addIssue("order by %q: not a field of %s", o.Field, q.From.Collection)
			}
		}
	} else {
		for _, o := range q.OrderBy {
			if !columns[o.Field] {
				c.addIssue("order by %q: not a selected column", o.Field)
			}
		}
	}

	if q.Limit != nil && *q.Limit < 0 {
		c.addIssue("limit must not be negative")
	}
	if q.Offset < 0 {
		c.addIssue("offset must not be negative")
	}
}

func (c *checker) isGroupKey(r FieldRef) bool {
	r = c.q.Resolve(r)
	for _, g := range c.q.GroupBy {
		if c.q.Resolve(g) == r {
			return true
		}
	}
	return false
}

func (c *checker) agg(as string, a Agg, scope []string) {
	switch a.Func {
	case AggCount:
		if a.Of != nil {
			c.ref(*a.Of, scope)
		}
	case AggSum, AggAvg:
		if a.Of == nil {
			c.addIssue("select %q: %s requires a field", as, a.Func)
			return
		}
		if typ, ok := c.ref(*a.Of, scope); ok && typ != "int" {
			c.addIssue("select %q: %s over %s field %s", as, a.Func, typ, a.Of)
		}
	case AggMin, AggMax:
		if a.Of == nil {
			c.addIssue("select %q: %s requires a field", as, a.Func)
			return
		}
		c.ref(*a.Of, scope)
	default:
		c.addIssue("select %q: unknown aggregate %q", as, a.Func)
	}
}

// ref resolves a field reference within scope and returns its type.
func (c *checker) ref(r FieldRef, scope []string) (string, bool) {
	r = c.q.Resolve(r)
	inScope := false
	for _, a := range scope {
		if a == r.Alias {
			inScope = true
			break
		}
	}
	if !inScope {
		c.addIssue("%s: unknown alias %q", r, r.Alias)
		return "", false
	}
	if r.IsSync() {
		return "string", true
	}
	spec := c.sources[r.Alias]
	if spec == nil {
		return "", false
	}
	switch {
	case r.Field == spec.KeyField():
		return "key", true
	case spec.HasField(r.Field):
		if f, ok := spec.Field(r.Field); ok {
			return f.Type, true
		}
		if _, ok := spec.Ref(r.Field); ok {
			return "key", true
		}
		return "int", true
	default:
		c.addIssue("%s: unknown field of %s", r, spec.Name)
		return "", false
	}
}

func (c *checker) predicate(p Predicate, scope []string) {
	switch pred := Unwrap(p).(type) {
	case Equals:
		c.ref(pred.Field, scope)
		if pred.Value == nil {
			c.addIssue("%s: equals without value", pred.Field)
		}
	case BoundEquals:
		c.ref(pred.Field, scope)
		if pred.Binding == "" {
			c.addIssue("%s: empty binding name", pred.Field)
		}
	case FieldEquals:
		c.ref(pred.Left, scope)
		c.ref(pred.Right, scope)
	case Compare:
		c.ref(pred.Field, scope)
		switch pred.Op {
		case OpLt, OpLe, OpGt, OpGe, OpNe:
		default:
			c.addIssue("%s: unknown operator %q", pred.Field, pred.Op)
		}
	case In:
		c.ref(pred.Field, scope)
	case IsNull:
		c.ref(pred.Field, scope)
	case And:
		for _, sub := range pred.Predicates {
			c.predicate(sub, scope)
		}
	case Or:
		for _, sub := range pred.Predicates {
			c.predicate(sub, scope)
		}
	case Not:
		if pred.Predicate == nil {
			c.addIssue("not without predicate")
			return
		}
		c.predicate(pred.Predicate, scope)
	case nil:
		c.addIssue("nil predicate")
	default:
		c.addIssue("unsupported predicate %T", p)
	}
}
