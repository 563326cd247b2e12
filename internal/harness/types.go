package harness

import "github.com/roach88/livedb/internal/ir"

// Trace event types.
const (
	EventStep     = "step"
	EventRejected = "rejected"
	EventDelivery = "delivery"
	EventSettled  = "settled"
)

// TraceEvent is one observable moment of a scenario run: a step being
// issued, a step rejected synchronously, a view delivery, or a
// transaction reaching its terminal state.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Step and rejection events.
	Step       int    `json:"step"`
	Op         string `json:"op,omitempty"`
	Collection string `json:"collection,omitempty"`
	As         string `json:"as,omitempty"`

	// Delivery events.
	Watch string        `json:"watch,omitempty"`
	Rows  []ir.IRObject `json:"rows,omitempty"`

	// Settlement events. Code is also set on rejections.
	Tx      string   `json:"tx,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
	Code    string   `json:"code,omitempty"`
	Keys    []ir.Key `json:"keys,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event in the order it was observed.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Deliveries returns the delivery events of one watch.
func (r *Result) Deliveries(watch string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventDelivery && ev.Watch == watch {
			out = append(out, ev)
		}
	}
	return out
}

// Settlement returns the settled event of the transaction labelled tx.
func (r *Result) Settlement(tx string) (TraceEvent, bool) {
	for _, ev := range r.Trace {
		if ev.Type == EventSettled && ev.Tx == tx {
			return ev, true
		}
	}
	return TraceEvent{}, false
}
