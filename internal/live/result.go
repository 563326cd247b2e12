package live

import (
	"github.com/roach88/livedb/internal/ir"
)

// Result is one materialized query result.
//
// Rows are shared by every subscriber of a view and must not be modified.
type Result struct {
	Rows []ir.IRObject

	// One is set for findOne queries. Found reports whether the row exists.
	One   bool
	Found bool

	// Fingerprint is the xxhash digest of the canonical row encoding.
	// Consecutive deliveries of a view always differ in fingerprint.
	Fingerprint uint64
}

// Row returns the single row of a findOne result.
func (r Result) Row() (ir.IRObject, bool) {
	if !r.Found || len(r.Rows) == 0 {
		return nil, false
	}
	return r.Rows[0], true
}

// NotFound reports a findOne result with no row.
func (r Result) NotFound() bool { return r.One && !r.Found }

// Len returns the number of rows.
func (r Result) Len() int { return len(r.Rows) }

// Keys returns the value of field for every row that has one, in row
// order. Handy for asserting on key columns.
func (r Result) Keys(field string) []ir.IRValue {
	out := make([]ir.IRValue, 0, len(r.Rows))
	for _, row := range r.Rows {
		if v, ok := row[field]; ok {
			out = append(out, v)
		}
	}
	return out
}

// encode returns the canonical encoding used for delivery comparison.
func encode(rows []ir.IRObject) ([]byte, error) {
	arr := make(ir.IRArray, len(rows))
	for i, row := range rows {
		arr[i] = row
	}
	return ir.EncodeCanonical(arr)
}

func newResult(rows []ir.IRObject, one bool, fingerprint uint64) Result {
	return Result{
		Rows:        rows,
		One:         one,
		Found:       one && len(rows) > 0,
		Fingerprint: fingerprint,
	}
}
