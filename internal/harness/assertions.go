package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/engine"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/querysql"
	"github.com/roach88/livedb/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describe(event))
		}
	}

	return buf.String()
}

func describe(ev TraceEvent) string {
	switch ev.Type {
	case EventStep:
		s := fmt.Sprintf("step %d: %s %s", ev.Step, ev.Op, ev.Collection)
		if ev.As != "" {
			s += " as " + ev.As
		}
		return s
	case EventRejected:
		return fmt.Sprintf("step %d rejected: %s", ev.Step, ev.Code)
	case EventDelivery:
		return fmt.Sprintf("delivery %s: %d rows", ev.Watch, len(ev.Rows))
	case EventSettled:
		if ev.Code != "" {
			return fmt.Sprintf("settled %s: %s (%s)", ev.Tx, ev.Outcome, ev.Code)
		}
		return fmt.Sprintf("settled %s: %s", ev.Tx, ev.Outcome)
	default:
		return ev.Type
	}
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Engine  *engine.Engine
	Backend *store.Store

	// Value converts expected YAML values, resolving "$label" keys.
	Value func(any) (ir.IRValue, error)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides session access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertOutcome:
			err = assertOutcome(result.Trace, assertion)
		case AssertDeliveryCount:
			err = assertDeliveryCount(result, assertion)
		case AssertView:
			err = assertView(result, assertion, actx)
		case AssertFinalState:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a session", i)
			} else {
				err = assertFinalState(actx, assertion)
			}
		case AssertBackendState:
			if actx == nil || actx.Backend == nil {
				err = fmt.Errorf("assertion[%d]: backend_state requires database context", i)
			} else {
				err = assertBackendState(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertOutcome checks the terminal result of a labelled transaction.
func assertOutcome(trace []TraceEvent, assertion Assertion) error {
	want := assertion.Outcome
	if assertion.Code != "" {
		want += " (" + assertion.Code + ")"
	}

	for _, event := range trace {
		if event.Type != EventSettled || event.Tx != assertion.Tx {
			continue
		}
		if event.Outcome == assertion.Outcome && (assertion.Code == "" || event.Code == assertion.Code) {
			return nil
		}
		return &AssertionError{
			Type:     AssertOutcome,
			Expected: fmt.Sprintf("%s settled %s", assertion.Tx, want),
			Actual:   describe(event),
			Trace:    trace,
		}
	}

	return &AssertionError{
		Type:     AssertOutcome,
		Expected: fmt.Sprintf("%s settled %s", assertion.Tx, want),
		Actual:   "not settled",
		Trace:    trace,
	}
}

// assertDeliveryCount checks how many times a watch delivered, the
// initial delivery included.
func assertDeliveryCount(result *Result, assertion Assertion) error {
	count := len(result.Deliveries(assertion.Watch))
	if count != *assertion.Count {
		return &AssertionError{
			Type:     AssertDeliveryCount,
			Expected: fmt.Sprintf("%d deliveries to %s", *assertion.Count, assertion.Watch),
			Actual:   fmt.Sprintf("%d deliveries", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertView checks the last delivered rows of a watch exactly, in order.
func assertView(result *Result, assertion Assertion, actx *AssertionContext) error {
	deliveries := result.Deliveries(assertion.Watch)
	if len(deliveries) == 0 {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("a delivery to %s", assertion.Watch),
			Actual:   "no deliveries",
			Trace:    result.Trace,
		}
	}
	got := deliveries[len(deliveries)-1].Rows

	want := make([]ir.IRObject, 0, len(assertion.Rows))
	for i, raw := range assertion.Rows {
		row, err := expectedObject(actx, raw)
		if err != nil {
			return fmt.Errorf("view %s: rows[%d]: %w", assertion.Watch, i, err)
		}
		want = append(want, row)
	}

	mismatch := len(got) != len(want)
	for i := 0; !mismatch && i < len(got); i++ {
		mismatch = !rowEquals(got[i], want[i])
	}
	if mismatch {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("%s rows %s", assertion.Watch, formatRows(want)),
			Actual:   formatRows(got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertFinalState checks records of the local store. Subset semantics:
// only fields named in Expect are compared.
func assertFinalState(actx *AssertionContext, assertion Assertion) error {
	st, ok := actx.Engine.Registry().Store(assertion.Collection)
	if !ok {
		return fmt.Errorf("final_state: unknown collection %q", assertion.Collection)
	}
	where, err := expectedObject(actx, assertion.Where)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}

	var matches []collection.Entry
	for _, e := range st.Snapshot() {
		if matchFields(e.Record, where) {
			matches = append(matches, e)
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	if assertion.Count != nil && len(matches) != *assertion.Count {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d rows in %s where %s", *assertion.Count, assertion.Collection, whereDesc),
			Actual:   fmt.Sprintf("%d rows", len(matches)),
		}
	}
	if len(assertion.Expect) == 0 && assertion.State == "" {
		return nil
	}
	if len(matches) != 1 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Collection, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched", len(matches)),
		}
	}

	entry := matches[0]
	if assertion.State != "" && string(entry.State) != assertion.State {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s in state %s", assertion.Collection, entry.Key, assertion.State),
			Actual:   fmt.Sprintf("state %s", entry.State),
		}
	}
	return expectFields(actx, AssertFinalState, entry.Record, assertion.Expect)
}

// assertBackendState checks rows of a backend table, queried with
// parameterized SQL.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertBackendState(actx *AssertionContext, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Collection) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Collection, validIdentifier.String())
	}
	where, err := expectedObject(actx, assertion.Where)
	if err != nil {
		return fmt.Errorf("backend_state where: %w", err)
	}
	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT * FROM "%s"`, assertion.Collection)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := actx.Backend.Select(actx.Ctx, query, whereArgs)
	if err != nil {
		return &AssertionError{
			Type:     AssertBackendState,
			Expected: fmt.Sprintf("query table %s", assertion.Collection),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	if assertion.Count != nil && len(rows) != *assertion.Count {
		return &AssertionError{
			Type:     AssertBackendState,
			Expected: fmt.Sprintf("%d rows in %s where %s", *assertion.Count, assertion.Collection, whereDesc),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	if len(assertion.Expect) == 0 {
		return nil
	}
	if len(rows) != 1 {
		// Multiple rows would make the assertion ambiguous.
		return &AssertionError{
			Type:     AssertBackendState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Collection, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched", len(rows)),
		}
	}
	return expectFields(actx, AssertBackendState, rows[0], assertion.Expect)
}

func expectFields(actx *AssertionContext, kind string, actual ir.IRObject, expect map[string]any) error {
	want, err := expectedObject(actx, expect)
	if err != nil {
		return fmt.Errorf("%s expect: %w", kind, err)
	}
	for _, key := range sortedKeys(want) {
		got, exists := actual[key]
		if !exists {
			if _, isNull := want[key].(ir.IRNull); isNull {
				continue
			}
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present", key),
			}
		}
		if !stateValuesEqual(want[key], got) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q = %s", key, format(want[key])),
				Actual:   fmt.Sprintf("field %q = %s", key, format(got)),
			}
		}
	}
	return nil
}

func expectedObject(actx *AssertionContext, raw map[string]any) (ir.IRObject, error) {
	out := make(ir.IRObject, len(raw))
	for k, v := range raw {
		var (
			iv  ir.IRValue
			err error
		)
		if actx != nil && actx.Value != nil {
			iv, err = actx.Value(v)
		} else {
			iv, err = ir.FromGo(v)
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = iv
	}
	return out, nil
}

// buildWhereClause constructs parameterized WHERE clause from the where
// fields. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where ir.IRObject) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if _, isNull := where[key].(ir.IRNull); isNull {
			clauses = append(clauses, fmt.Sprintf(`"%s" IS NULL`, key))
			continue
		}
		param, err := querysql.Param(where[key])
		if err != nil {
			return "", nil, fmt.Errorf("where %s: %w", key, err)
		}
		clauses = append(clauses, fmt.Sprintf(`"%s" = ?`, key))
		args = append(args, param)
	}

	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected value with a stored one.
// SQLite stores booleans as integers, so backend rows carry 0/1 where the
// expectation says true/false. A missing field equals null.
func stateValuesEqual(expected, actual ir.IRValue) bool {
	if b, ok := expected.(ir.IRBool); ok {
		if n, ok := actual.(ir.IRInt); ok {
			return bool(b) == (n != 0)
		}
	}
	return ir.Equal(expected, actual)
}

// matchFields checks that actual holds every field of want (subset match).
// A null in want matches a missing field.
func matchFields(actual, want ir.IRObject) bool {
	for key, w := range want {
		got, exists := actual[key]
		if !exists {
			if _, isNull := w.(ir.IRNull); isNull {
				continue
			}
			return false
		}
		if !stateValuesEqual(w, got) {
			return false
		}
	}
	return true
}

// rowEquals compares two result rows field by field.
func rowEquals(got, want ir.IRObject) bool {
	if len(got) != len(want) {
		return false
	}
	return matchFields(got, want)
}

func sortedKeys(obj ir.IRObject) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func format(v ir.IRValue) string {
	data, err := ir.EncodeCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatRows(rows []ir.IRObject) string {
	arr := make(ir.IRArray, len(rows))
	for i, r := range rows {
		arr[i] = r
	}
	return format(arr)
}
