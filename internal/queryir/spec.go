package queryir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/roach88/livedb/internal/ir"
)

// Spec is the declarative file form of a Query (YAML or JSON):
//
//	from: {collection: articles, as: a}
//	join:
//	  - {collection: users, as: u, kind: left, on: {field_equals: [a.author_id, u.id]}}
//	where:
//	  and:
//	    - equals: {field: a.status, value: published}
//	    - bound: {field: a.author_id, binding: user}
//	select:
//	  - {as: title, field: a.title}
//	  - {as: author, field: u.name}
//	order_by: [{field: title}]
//	limit: 10
type Spec struct {
	From    SourceSpec       `yaml:"from" json:"from"`
	Join    []JoinSpec       `yaml:"join,omitempty" json:"join,omitempty"`
	Where   *PredicateSpec   `yaml:"where,omitempty" json:"where,omitempty"`
	GroupBy []string         `yaml:"group_by,omitempty" json:"group_by,omitempty"`
	Select  []ProjectionSpec `yaml:"select,omitempty" json:"select,omitempty"`
	OrderBy []OrderSpec      `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Limit   *int             `yaml:"limit,omitempty" json:"limit,omitempty"`
	Offset  int              `yaml:"offset,omitempty" json:"offset,omitempty"`
	One     bool             `yaml:"one,omitempty" json:"one,omitempty"`
}

type SourceSpec struct {
	Collection string `yaml:"collection" json:"collection"`
	As         string `yaml:"as,omitempty" json:"as,omitempty"`
}

type JoinSpec struct {
	Collection string         `yaml:"collection" json:"collection"`
	As         string         `yaml:"as,omitempty" json:"as,omitempty"`
	Kind       string         `yaml:"kind,omitempty" json:"kind,omitempty"`
	On         *PredicateSpec `yaml:"on" json:"on"`
}

// ProjectionSpec is a field projection (Field set, Agg empty) or an
// aggregate (Agg set, Field optional for count).
type ProjectionSpec struct {
	As    string `yaml:"as" json:"as"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Agg   string `yaml:"agg,omitempty" json:"agg,omitempty"`
}

type OrderSpec struct {
	Field string `yaml:"field" json:"field"`
	Desc  bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
}

// PredicateSpec holds exactly one predicate form.
type PredicateSpec struct {
	Equals      *ValueSpec      `yaml:"equals,omitempty" json:"equals,omitempty"`
	Bound       *BoundSpec      `yaml:"bound,omitempty" json:"bound,omitempty"`
	FieldEquals []string        `yaml:"field_equals,omitempty" json:"field_equals,omitempty"`
	Compare     *CompareSpec    `yaml:"compare,omitempty" json:"compare,omitempty"`
	In          *InSpec         `yaml:"in,omitempty" json:"in,omitempty"`
	IsNull      string          `yaml:"is_null,omitempty" json:"is_null,omitempty"`
	And         []PredicateSpec `yaml:"and,omitempty" json:"and,omitempty"`
	Or          []PredicateSpec `yaml:"or,omitempty" json:"or,omitempty"`
	Not         *PredicateSpec  `yaml:"not,omitempty" json:"not,omitempty"`
}

type ValueSpec struct {
	Field string `yaml:"field" json:"field"`
	Value any    `yaml:"value" json:"value"`
}

type BoundSpec struct {
	Field   string `yaml:"field" json:"field"`
	Binding string `yaml:"binding" json:"binding"`
}

type CompareSpec struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value any    `yaml:"value" json:"value"`
}

type InSpec struct {
	Field  string `yaml:"field" json:"field"`
	Values []any  `yaml:"values" json:"values"`
}

// ParseSpec decodes a YAML or JSON query file. Unknown fields are errors.
func ParseSpec(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse query: empty document")
		}
		return nil, fmt.Errorf("parse query: %w", err)
	}
	return &s, nil
}

// Query converts the spec into a Query.
func (s *Spec) Query() (*Query, error) {
	if s.From.Collection == "" {
		return nil, fmt.Errorf("query: from.collection is required")
	}
	q := &Query{
		From:   Source{Collection: s.From.Collection, Alias: s.From.As},
		Limit:  copyInt(s.Limit),
		Offset: s.Offset,
		One:    s.One,
	}
	for i, j := range s.Join {
		kind := JoinKind(j.Kind)
		if kind == "" {
			kind = JoinInner
		}
		if kind != JoinInner && kind != JoinLeft {
			return nil, fmt.Errorf("join[%d]: unknown kind %q", i, j.Kind)
		}
		if j.On == nil {
			return nil, fmt.Errorf("join[%d]: on is required", i)
		}
		on, err := j.On.predicate()
		if err != nil {
			return nil, fmt.Errorf("join[%d].on: %w", i, err)
		}
		q.Joins = append(q.Joins, Join{Kind: kind, Source: Source{Collection: j.Collection, Alias: j.As}, On: on})
	}
	if s.Where != nil {
		p, err := s.Where.predicate()
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		q.Where = p
	}
	for _, g := range s.GroupBy {
		q.GroupBy = append(q.GroupBy, F(g))
	}
	for i, p := range s.Select {
		proj, err := p.projection()
		if err != nil {
			return nil, fmt.Errorf("select[%d]: %w", i, err)
		}
		q.Select = append(q.Select, proj)
	}
	for _, o := range s.OrderBy {
		q.OrderBy = append(q.OrderBy, Order{Field: o.Field, Desc: o.Desc})
	}
	return q, nil
}

func (p ProjectionSpec) projection() (Projection, error) {
	if p.As == "" {
		return Projection{}, fmt.Errorf("as is required")
	}
	if p.Agg == "" {
		if p.Field == "" {
			return Projection{}, fmt.Errorf("%s: field or agg is required", p.As)
		}
		return Col(p.As, p.Field), nil
	}
	fn := AggFunc(p.Agg)
	switch fn {
	case AggCount, AggSum, AggMin, AggMax, AggAvg:
	default:
		return Projection{}, fmt.Errorf("%s: unknown aggregate %q", p.As, p.Agg)
	}
	if p.Field == "" {
		if fn != AggCount {
			return Projection{}, fmt.Errorf("%s: %s requires a field", p.As, fn)
		}
		return Count(p.As), nil
	}
	return aggregate(p.As, fn, p.Field), nil
}

func (p *PredicateSpec) predicate() (Predicate, error) {
	var out []Predicate
	if p.Equals != nil {
		v, err := ir.FromGo(p.Equals.Value)
		if err != nil {
			return nil, fmt.Errorf("equals %s: %w", p.Equals.Field, err)
		}
		out = append(out, Equals{Field: F(p.Equals.Field), Value: v})
	}
	if p.Bound != nil {
		out = append(out, BoundEquals{Field: F(p.Bound.Field), Binding: p.Bound.Binding})
	}
	if p.FieldEquals != nil {
		if len(p.FieldEquals) != 2 {
			return nil, fmt.Errorf("field_equals needs exactly two fields, got %d", len(p.FieldEquals))
		}
		out = append(out, FieldEquals{Left: F(p.FieldEquals[0]), Right: F(p.FieldEquals[1])})
	}
	if p.Compare != nil {
		op := CompareOp(p.Compare.Op)
		switch op {
		case OpLt, OpLe, OpGt, OpGe, OpNe:
		default:
			return nil, fmt.Errorf("compare %s: unknown operator %q", p.Compare.Field, p.Compare.Op)
		}
		v, err := ir.FromGo(p.Compare.Value)
		if err != nil {
			return nil, fmt.Errorf("compare %s: %w", p.Compare.Field, err)
		}
		out = append(out, Compare{Field: F(p.Compare.Field), Op: op, Value: v})
	}
	if p.In != nil {
		values := make([]ir.IRValue, len(p.In.Values))
		for i, raw := range p.In.Values {
			v, err := ir.FromGo(raw)
			if err != nil {
				return nil, fmt.Errorf("in %s[%d]: %w", p.In.Field, i, err)
			}
			values[i] = v
		}
		out = append(out, In{Field: F(p.In.Field), Values: values})
	}
	if p.IsNull != "" {
		out = append(out, IsNull{Field: F(p.IsNull)})
	}
	if p.And != nil {
		subs, err := predicates(p.And)
		if err != nil {
			return nil, fmt.Errorf("and%w", err)
		}
		out = append(out, And{Predicates: subs})
	}
	if p.Or != nil {
		subs, err := predicates(p.Or)
		if err != nil {
			return nil, fmt.Errorf("or%w", err)
		}
		out = append(out, Or{Predicates: subs})
	}
	if p.Not != nil {
		sub, err := p.Not.predicate()
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		out = append(out, Not{Predicate: sub})
	}
	switch len(out) {
	case 0:
		return nil, fmt.Errorf("empty predicate")
	case 1:
		return out[0], nil
	default:
		return nil, fmt.Errorf("predicate sets %d forms, want exactly one", len(out))
	}
}

func predicates(specs []PredicateSpec) ([]Predicate, error) {
	out := make([]Predicate, len(specs))
	for i := range specs {
		p, err := specs[i].predicate()
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// SpecOf converts a Query back into its declarative form.
func SpecOf(q *Query) *Spec {
	s := &Spec{
		From:   SourceSpec{Collection: q.From.Collection, As: q.From.Alias},
		Limit:  copyInt(q.Limit),
		Offset: q.Offset,
		One:    q.One,
	}
	for _, j := range q.Joins {
		s.Join = append(s.Join, JoinSpec{
			Collection: j.Source.Collection,
			As:         j.Source.Alias,
			Kind:       string(j.Kind),
			On:         specOfPredicate(j.On),
		})
	}
	s.Where = specOfPredicate(q.Where)
	for _, g := range q.GroupBy {
		s.GroupBy = append(s.GroupBy, g.String())
	}
	for _, p := range q.Select {
		ps := ProjectionSpec{As: p.As}
		switch e := p.Expr.(type) {
		case Field:
			ps.Field = e.Ref.String()
		case Agg:
			ps.Agg = string(e.Func)
			if e.Of != nil {
				ps.Field = e.Of.String()
			}
		}
		s.Select = append(s.Select, ps)
	}
	for _, o := range q.OrderBy {
		s.OrderBy = append(s.OrderBy, OrderSpec{Field: o.Field, Desc: o.Desc})
	}
	return s
}

func specOfPredicate(p Predicate) *PredicateSpec {
	if p == nil {
		return nil
	}
	switch pred := Unwrap(p).(type) {
	case Equals:
		return &PredicateSpec{Equals: &ValueSpec{Field: pred.Field.String(), Value: pred.Value}}
	case BoundEquals:
		return &PredicateSpec{Bound: &BoundSpec{Field: pred.Field.String(), Binding: pred.Binding}}
	case FieldEquals:
		return &PredicateSpec{FieldEquals: []string{pred.Left.String(), pred.Right.String()}}
	case Compare:
		return &PredicateSpec{Compare: &CompareSpec{Field: pred.Field.String(), Op: string(pred.Op), Value: pred.Value}}
	case In:
		values := make([]any, len(pred.Values))
		for i, v := range pred.Values {
			values[i] = v
		}
		return &PredicateSpec{In: &InSpec{Field: pred.Field.String(), Values: values}}
	case IsNull:
		return &PredicateSpec{IsNull: pred.Field.String()}
	case And:
		return &PredicateSpec{And: specsOf(pred.Predicates)}
	case Or:
		return &PredicateSpec{Or: specsOf(pred.Predicates)}
	case Not:
		return &PredicateSpec{Not: specOfPredicate(pred.Predicate)}
	default:
		return nil
	}
}

func specsOf(ps []Predicate) []PredicateSpec {
	out := make([]PredicateSpec, 0, len(ps))
	for _, p := range ps {
		if s := specOfPredicate(p); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// Canonical returns the canonical encoding of a query. Queries with equal
// encodings are interchangeable and share live views.
func Canonical(q *Query) ([]byte, error) {
	data, err := json.Marshal(SpecOf(q))
	if err != nil {
		return nil, fmt.Errorf("canonical query: %w", err)
	}
	obj, err := ir.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("canonical query: %w", err)
	}
	return ir.EncodeCanonical(obj)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}
