package live

import (
	"fmt"
	"slices"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

// snapshotFunc returns a collection's entries in natural order.
type snapshotFunc func(collection string) ([]collection.Entry, error)

// tuple holds one entry per source alias; nil marks a left join with no
// match.
type tuple []*collection.Entry

// evaluator runs one query over store snapshots. Rows flow through the
// pipeline in natural order (From entries by insertion, then each join's
// entries by insertion), which is the tiebreak for ordering and the group
// order for aggregates.
type evaluator struct {
	q        *queryir.Query
	bindings ir.IRObject
	aliases  map[string]int
}

func evaluate(q *queryir.Query, bindings ir.IRObject, snapshot snapshotFunc) ([]ir.IRObject, error) {
	ev := &evaluator{q: q, bindings: bindings, aliases: map[string]int{}}
	for i, alias := range q.Aliases() {
		ev.aliases[alias] = i
	}

	tuples, err := ev.scan(snapshot)
	if err != nil {
		return nil, err
	}

	var rows []ir.IRObject
	if q.Grouped() {
		rows = ev.groups(tuples)
	} else {
		rows = make([]ir.IRObject, 0, len(tuples))
		for _, t := range tuples {
			rows = append(rows, ev.project(t))
		}
	}

	ev.sort(rows)
	return window(rows, q), nil
}

// scan builds the joined, filtered tuple set.
func (ev *evaluator) scan(snapshot snapshotFunc) ([]tuple, error) {
	width := len(ev.q.Joins) + 1
	from, err := snapshot(ev.q.From.Collection)
	if err != nil {
		return nil, err
	}
	tuples := make([]tuple, 0, len(from))
	for i := range from {
		t := make(tuple, width)
		t[0] = &from[i]
		tuples = append(tuples, t)
	}

	for j, join := range ev.q.Joins {
		right, err := snapshot(join.Source.Collection)
		if err != nil {
			return nil, err
		}
		pos := j + 1
		next := make([]tuple, 0, len(tuples))
		for _, t := range tuples {
			matched := false
			for i := range right {
				cand := slices.Clone(t)
				cand[pos] = &right[i]
				if ev.test(join.On, cand) {
					next = append(next, cand)
					matched = true
				}
			}
			if !matched && join.Kind == queryir.JoinLeft {
				next = append(next, slices.Clone(t))
			}
		}
		tuples = next
	}

	if ev.q.Where == nil {
		return tuples, nil
	}
	out := tuples[:0]
	for _, t := range tuples {
		if ev.test(ev.q.Where, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// value resolves a field reference against a tuple. Absent covers a
// missing source (left join), a missing field and an explicit null.
func (ev *evaluator) value(ref queryir.FieldRef, t tuple) (ir.IRValue, bool) {
	ref = ev.q.Resolve(ref)
	idx, ok := ev.aliases[ref.Alias]
	if !ok || t[idx] == nil {
		return nil, false
	}
	e := t[idx]
	if ref.IsSync() {
		return ir.IRString(e.State), true
	}
	v, ok := e.Record[ref.Field]
	if !ok {
		return nil, false
	}
	if _, isNull := v.(ir.IRNull); isNull {
		return nil, false
	}
	return v, true
}

// test evaluates a predicate with two-valued logic: any comparison
// involving an absent value is false, and Not inverts that.
func (ev *evaluator) test(p queryir.Predicate, t tuple) bool {
	if p == nil {
		return true
	}
	switch pred := queryir.Unwrap(p).(type) {
	case queryir.Equals:
		v, ok := ev.value(pred.Field, t)
		return ok && isValue(pred.Value) && ir.Equal(v, pred.Value)
	case queryir.BoundEquals:
		v, ok := ev.value(pred.Field, t)
		want, bound := ev.bindings[pred.Binding]
		return ok && bound && isValue(want) && ir.Equal(v, want)
	case queryir.FieldEquals:
		l, lok := ev.value(pred.Left, t)
		r, rok := ev.value(pred.Right, t)
		return lok && rok && ir.Equal(l, r)
	case queryir.Compare:
		v, ok := ev.value(pred.Field, t)
		if !ok || !isValue(pred.Value) {
			return false
		}
		c := ir.Compare(v, pred.Value)
		switch pred.Op {
		case queryir.OpLt:
			return c < 0
		case queryir.OpLe:
			return c <= 0
		case queryir.OpGt:
			return c > 0
		case queryir.OpGe:
			return c >= 0
		case queryir.OpNe:
			return c != 0
		}
		return false
	case queryir.In:
		v, ok := ev.value(pred.Field, t)
		if !ok {
			return false
		}
		for _, want := range pred.Values {
			if isValue(want) && ir.Equal(v, want) {
				return true
			}
		}
		return false
	case queryir.IsNull:
		_, ok := ev.value(pred.Field, t)
		return !ok
	case queryir.And:
		for _, sub := range pred.Predicates {
			if !ev.test(sub, t) {
				return false
			}
		}
		return true
	case queryir.Or:
		for _, sub := range pred.Predicates {
			if ev.test(sub, t) {
				return true
			}
		}
		return false
	case queryir.Not:
		return !ev.test(pred.Predicate, t)
	default:
		return false
	}
}

// project builds an output row. Without projections the row is the From
// record; absent values are omitted either way.
func (ev *evaluator) project(t tuple) ir.IRObject {
	if len(ev.q.Select) == 0 {
		return withoutNulls(t[0].Record)
	}
	row := make(ir.IRObject, len(ev.q.Select))
	for _, p := range ev.q.Select {
		f, ok := p.Expr.(queryir.Field)
		if !ok {
			continue
		}
		if v, ok := ev.value(f.Ref, t); ok {
			row[p.As] = v
		}
	}
	return row
}

// groups partitions tuples by the group-key tuple, in order of first
// appearance, and computes one row per group. A query that aggregates
// without GroupBy has exactly one group, even over no rows.
func (ev *evaluator) groups(tuples []tuple) []ir.IRObject {
	type group struct {
		rows []tuple
	}
	var order []*group
	index := map[string]*group{}

	if len(ev.q.GroupBy) == 0 {
		order = append(order, &group{rows: tuples})
	} else {
		for _, t := range tuples {
			key := make(ir.IRArray, len(ev.q.GroupBy))
			for i, ref := range ev.q.GroupBy {
				if v, ok := ev.value(ref, t); ok {
					key[i] = v
				} else {
					key[i] = ir.IRNull{}
				}
			}
			enc, err := ir.EncodeCanonical(key)
			if err != nil {
				enc = []byte(fmt.Sprint(key))
			}
			g, ok := index[string(enc)]
			if !ok {
				g = &group{}
				index[string(enc)] = g
				order = append(order, g)
			}
			g.rows = append(g.rows, t)
		}
	}

	out := make([]ir.IRObject, 0, len(order))
	for _, g := range order {
		row := ir.IRObject{}
		for _, p := range ev.q.Select {
			switch expr := p.Expr.(type) {
			case queryir.Field:
				if len(g.rows) == 0 {
					continue
				}
				if v, ok := ev.value(expr.Ref, g.rows[0]); ok {
					row[p.As] = v
				}
			case queryir.Agg:
				if v, ok := ev.aggregate(expr, g.rows); ok {
					row[p.As] = v
				}
			}
		}
		out = append(out, row)
	}
	return out
}

func (ev *evaluator) aggregate(a queryir.Agg, rows []tuple) (ir.IRValue, bool) {
	if a.Func == queryir.AggCount && a.Of == nil {
		return ir.IRInt(len(rows)), true
	}
	if a.Of == nil {
		return nil, false
	}

	var values []ir.IRValue
	for _, t := range rows {
		if v, ok := ev.value(*a.Of, t); ok {
			values = append(values, v)
		}
	}

	switch a.Func {
	case queryir.AggCount:
		return ir.IRInt(len(values)), true
	case queryir.AggSum, queryir.AggAvg:
		var sum int64
		n := 0
		for _, v := range values {
			if i, ok := asInt(v); ok {
				sum += i
				n++
			}
		}
		if a.Func == queryir.AggSum {
			return ir.IRInt(sum), true
		}
		if n == 0 {
			return nil, false
		}
		return ir.IRInt(sum / int64(n)), true
	case queryir.AggMin, queryir.AggMax:
		if len(values) == 0 {
			return nil, false
		}
		best := values[0]
		for _, v := range values[1:] {
			c := ir.Compare(v, best)
			if (a.Func == queryir.AggMin && c < 0) || (a.Func == queryir.AggMax && c > 0) {
				best = v
			}
		}
		return best, true
	}
	return nil, false
}

// sort orders rows by the query's order columns. The sort is stable, so
// ties keep natural order.
func (ev *evaluator) sort(rows []ir.IRObject) {
	if len(ev.q.OrderBy) == 0 {
		return
	}
	slices.SortStableFunc(rows, func(a, b ir.IRObject) int {
		for _, o := range ev.q.OrderBy {
			c := ir.Compare(a[o.Field], b[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return -c
			}
			return c
		}
		return 0
	})
}

// window applies offset then limit. A nil limit is unbounded; findOne
// keeps at most one row.
func window(rows []ir.IRObject, q *queryir.Query) []ir.IRObject {
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return []ir.IRObject{}
		}
		rows = rows[q.Offset:]
	}
	limit := -1
	if q.Limit != nil {
		limit = *q.Limit
	}
	if q.One && (limit < 0 || limit > 1) {
		limit = 1
	}
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func isValue(v ir.IRValue) bool {
	if v == nil {
		return false
	}
	_, isNull := v.(ir.IRNull)
	return !isNull
}

func asInt(v ir.IRValue) (int64, bool) {
	switch val := v.(type) {
	case ir.IRInt:
		return int64(val), true
	case ir.Key:
		id, ok := val.ID()
		return int64(id), ok
	}
	return 0, false
}

func withoutNulls(rec ir.IRObject) ir.IRObject {
	out := make(ir.IRObject, len(rec))
	for k, v := range rec {
		if _, isNull := v.(ir.IRNull); isNull {
			continue
		}
		out[k] = v
	}
	return out
}
