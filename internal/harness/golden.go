package harness

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/livedb/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

// Encode renders the snapshot as canonical JSON lines: a header naming
// the scenario, then one line per event.
func (s *TraceSnapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	header, err := ir.EncodeCanonical(map[string]any{"scenario": s.ScenarioName})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for i, event := range s.Trace {
		line, err := ir.EncodeCanonical(event.toCanonicalMap())
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// toCanonicalMap converts an event to the map form of its golden line.
// Only the fields meaningful for the event type are kept.
func (ev TraceEvent) toCanonicalMap() map[string]any {
	m := map[string]any{
		"seq":  ev.Seq,
		"type": ev.Type,
	}
	switch ev.Type {
	case EventStep:
		m["step"] = int64(ev.Step)
		m["op"] = ev.Op
		if ev.Collection != "" {
			m["collection"] = ev.Collection
		}
		if ev.As != "" {
			m["as"] = ev.As
		}
	case EventRejected:
		m["step"] = int64(ev.Step)
		m["code"] = ev.Code
	case EventDelivery:
		rows := make(ir.IRArray, len(ev.Rows))
		for i, r := range ev.Rows {
			rows[i] = r
		}
		m["watch"] = ev.Watch
		m["rows"] = rows
	case EventSettled:
		m["tx"] = ev.Tx
		m["outcome"] = ev.Outcome
		if ev.Code != "" {
			m["code"] = ev.Code
		}
		if len(ev.Keys) > 0 {
			keys := make(ir.IRArray, len(ev.Keys))
			for i, k := range ev.Keys {
				keys[i] = k
			}
			m["keys"] = keys
		}
	}
	return m
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. A failing assertion fails t;
// so does a trace that doesn't match the golden file (via goldie).
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	data, err := snapshot.Encode()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
