package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

// SQLCompiler compiles the portable fragment of queryir to parameterized
// SQL for SQLite.
//
// CRITICAL: ALL queries end in an ORDER BY with a key tiebreaker so the
// backend returns rows in the same order as the live engine.
// CRITICAL: All values are parameterized (never interpolated).
type SQLCompiler struct {
	// BoundValues holds the values for BoundEquals predicates.
	BoundValues ir.IRObject

	// Lookup resolves collection specs. It is needed to expand queries
	// without explicit projections and to name key columns.
	Lookup queryir.Lookup
}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler(lookup queryir.Lookup) *SQLCompiler {
	return &SQLCompiler{
		BoundValues: ir.IRObject{},
		Lookup:      lookup,
	}
}

// Compile converts a query to parameterized SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q *queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}

	var params []any
	var b strings.Builder

	selectSQL, err := c.compileSelect(q)
	if err != nil {
		return "", nil, err
	}
	b.WriteString("SELECT ")
	b.WriteString(selectSQL)
	b.WriteString(" FROM ")
	b.WriteString(source(q.From))

	for i, j := range q.Joins {
		onSQL, onParams, err := c.compilePredicate(q, j.On)
		if err != nil {
			return "", nil, fmt.Errorf("compile join[%d] ON: %w", i, err)
		}
		kw := " INNER JOIN "
		if j.Kind == queryir.JoinLeft {
			kw = " LEFT JOIN "
		}
		b.WriteString(kw)
		b.WriteString(source(j.Source))
		b.WriteString(" ON ")
		b.WriteString(onSQL)
		params = append(params, onParams...)
	}

	if q.Where != nil {
		whereSQL, whereParams, err := c.compilePredicate(q, q.Where)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(whereSQL)
		params = append(params, whereParams...)
	}

	if len(q.GroupBy) > 0 {
		cols := make([]string, len(q.GroupBy))
		for i, g := range q.GroupBy {
			col, err := c.column(q, g)
			if err != nil {
				return "", nil, fmt.Errorf("compile group by: %w", err)
			}
			cols[i] = col
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(cols, ", "))
	}

	orderSQL, err := c.compileOrder(q)
	if err != nil {
		return "", nil, err
	}
	if orderSQL != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderSQL)
	}

	limit := -1
	if q.Limit != nil {
		limit = *q.Limit
	}
	if q.One && (limit < 0 || limit > 1) {
		limit = 1
	}
	switch {
	case limit >= 0:
		b.WriteString(" LIMIT ?")
		params = append(params, int64(limit))
		if q.Offset > 0 {
			b.WriteString(" OFFSET ?")
			params = append(params, int64(q.Offset))
		}
	case q.Offset > 0:
		b.WriteString(" LIMIT -1 OFFSET ?")
		params = append(params, int64(q.Offset))
	}

	return b.String(), params, nil
}

// compileSelect builds the projection list. Queries without projections
// return every column of the From source.
func (c *SQLCompiler) compileSelect(q *queryir.Query) (string, error) {
	if len(q.Select) == 0 {
		alias := quoteIdent(q.From.Name())
		spec, ok := c.spec(q.From.Collection)
		if !ok {
			return alias + ".*", nil
		}
		cols := spec.Columns()
		parts := make([]string, len(cols))
		for i, col := range cols {
			parts[i] = alias + "." + quoteIdent(col)
		}
		return strings.Join(parts, ", "), nil
	}

	parts := make([]string, len(q.Select))
	for i, p := range q.Select {
		var expr string
		switch e := p.Expr.(type) {
		case queryir.Field:
			col, err := c.column(q, e.Ref)
			if err != nil {
				return "", fmt.Errorf("compile select %q: %w", p.As, err)
			}
			expr = col
		case queryir.Agg:
			agg, err := c.compileAgg(q, e)
			if err != nil {
				return "", fmt.Errorf("compile select %q: %w", p.As, err)
			}
			expr = agg
		default:
			return "", fmt.Errorf("compile select %q: unsupported expression %T", p.As, p.Expr)
		}
		parts[i] = expr + " AS " + quoteIdent(p.As)
	}
	return strings.Join(parts, ", "), nil
}

// compileAgg maps aggregates so SQLite matches the live engine: sum of an
// empty group is 0, avg truncates toward zero.
func (c *SQLCompiler) compileAgg(q *queryir.Query, a queryir.Agg) (string, error) {
	if a.Of == nil {
		if a.Func != queryir.AggCount {
			return "", fmt.Errorf("%s requires a field", a.Func)
		}
		return "COUNT(*)", nil
	}
	col, err := c.column(q, *a.Of)
	if err != nil {
		return "", err
	}
	switch a.Func {
	case queryir.AggCount:
		return "COUNT(" + col + ")", nil
	case queryir.AggSum:
		return "COALESCE(SUM(" + col + "), 0)", nil
	case queryir.AggMin:
		return "MIN(" + col + ")", nil
	case queryir.AggMax:
		return "MAX(" + col + ")", nil
	case queryir.AggAvg:
		return "CAST(AVG(" + col + ") AS INTEGER)", nil
	default:
		return "", fmt.Errorf("unknown aggregate %q", a.Func)
	}
}

// compileOrder returns the ORDER BY list: the requested keys followed by
// the natural-order tiebreaker of stableOrderKey.
func (c *SQLCompiler) compileOrder(q *queryir.Query) (string, error) {
	var parts []string
	for _, o := range q.OrderBy {
		col := quoteIdent(o.Field)
		if len(q.Select) == 0 {
			col = quoteIdent(q.From.Name()) + "." + col
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" COLLATE BINARY "+dir)
	}
	parts = append(parts, c.stableOrderKey(q)...)
	return strings.Join(parts, ", "), nil
}

// stableOrderKey returns the tiebreaker terms mirroring natural order:
// nested-loop order over source keys, or first appearance for groups.
// A grouped query without GROUP BY yields one row and needs none.
func (c *SQLCompiler) stableOrderKey(q *queryir.Query) []string {
	if q.Grouped() {
		if len(q.GroupBy) == 0 {
			return nil
		}
		return []string{"MIN(" + c.keyColumn(q.From) + ") ASC"}
	}
	keys := []string{c.keyColumn(q.From) + " ASC"}
	for _, j := range q.Joins {
		keys = append(keys, c.keyColumn(j.Source)+" ASC")
	}
	return keys
}

func (c *SQLCompiler) keyColumn(src queryir.Source) string {
	key := "id"
	if spec, ok := c.spec(src.Collection); ok {
		key = spec.KeyField()
	}
	return quoteIdent(src.Name()) + "." + quoteIdent(key)
}

// compilePredicate compiles a predicate to a WHERE/ON fragment.
// CRITICAL: Values NEVER interpolated - always use ? placeholders.
func (c *SQLCompiler) compilePredicate(q *queryir.Query, p queryir.Predicate) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil // Always true
	}

	switch pred := queryir.Unwrap(p).(type) {
	case queryir.Equals:
		return c.compileComparison(q, pred.Field, "=", pred.Value)
	case queryir.BoundEquals:
		val, ok := c.BoundValues[pred.Binding]
		if !ok {
			return "", nil, fmt.Errorf("binding %q has no value", pred.Binding)
		}
		return c.compileComparison(q, pred.Field, "=", val)
	case queryir.FieldEquals:
		left, err := c.column(q, pred.Left)
		if err != nil {
			return "", nil, err
		}
		right, err := c.column(q, pred.Right)
		if err != nil {
			return "", nil, err
		}
		return left + " = " + right, nil, nil
	case queryir.Compare:
		return c.compileComparison(q, pred.Field, string(pred.Op), pred.Value)
	case queryir.In:
		col, err := c.column(q, pred.Field)
		if err != nil {
			return "", nil, err
		}
		if len(pred.Values) == 0 {
			return "0 = 1", nil, nil
		}
		params := make([]any, len(pred.Values))
		marks := make([]string, len(pred.Values))
		for i, v := range pred.Values {
			param, err := irValueToParam(v)
			if err != nil {
				return "", nil, fmt.Errorf("convert value: %w", err)
			}
			params[i] = param
			marks[i] = "?"
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")", params, nil
	case queryir.IsNull:
		col, err := c.column(q, pred.Field)
		if err != nil {
			return "", nil, err
		}
		return col + " IS NULL", nil, nil
	case queryir.And:
		return c.compileJunction(q, pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return c.compileJunction(q, pred.Predicates, " OR ", "0 = 1")
	case queryir.Not:
		sql, params, err := c.compilePredicate(q, pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		// Comparisons with NULL are false in the live engine, so NOT
		// must see false rather than NULL.
		return "NOT COALESCE(" + sql + ", 0)", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileComparison(q *queryir.Query, ref queryir.FieldRef, op string, v ir.IRValue) (string, []any, error) {
	col, err := c.column(q, ref)
	if err != nil {
		return "", nil, err
	}
	param, err := irValueToParam(v)
	if err != nil {
		return "", nil, fmt.Errorf("convert value: %w", err)
	}
	return fmt.Sprintf("%s %s ?", col, op), []any{param}, nil
}

func (c *SQLCompiler) compileJunction(q *queryir.Query, preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	var sqlParts []string
	var allParams []any
	for _, pred := range preds {
		sql, params, err := c.compilePredicate(q, pred)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}
	return "(" + strings.Join(sqlParts, sep) + ")", allParams, nil
}

// column renders a qualified column reference.
func (c *SQLCompiler) column(q *queryir.Query, ref queryir.FieldRef) (string, error) {
	ref = q.Resolve(ref)
	if ref.IsSync() {
		return "", fmt.Errorf("field %s is virtual and has no column", ref)
	}
	return quoteIdent(ref.Alias) + "." + quoteIdent(ref.Field), nil
}

func (c *SQLCompiler) spec(collection string) (*ir.CollectionSpec, bool) {
	if c.Lookup == nil {
		return nil, false
	}
	return c.Lookup(collection)
}

func source(src queryir.Source) string {
	return quoteIdent(src.Collection) + " AS " + quoteIdent(src.Name())
}

// quoteIdent quotes an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
