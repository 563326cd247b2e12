package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

// Scenario defines a conformance test scenario.
// A scenario seeds a backend, subscribes views, drives mutations and
// adapter gates step by step, and asserts on the resulting trace and
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the path of a CUE collection schema, relative to the
	// scenario file. Empty selects the built-in CMS schema.
	Schema string `yaml:"schema,omitempty"`

	// Seed rows are written straight to the backend, in order, before
	// the session loads.
	Seed []SeedBlock `yaml:"seed,omitempty"`

	// Watch lists the views subscribed after loading. Every delivery is
	// traced.
	Watch []Watch `yaml:"watch,omitempty"`

	// Steps run in order. The session is quiesced after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// SeedBlock holds backend rows for one collection.
type SeedBlock struct {
	Collection string           `yaml:"collection"`
	Records    []map[string]any `yaml:"records"`
}

// Watch subscribes one view. Exactly one of Query (a named reference
// query) and Spec (an inline query) is set.
type Watch struct {
	Name     string         `yaml:"name"`
	Query    string         `yaml:"query,omitempty"`
	Spec     *queryir.Spec  `yaml:"spec,omitempty"`
	Bindings map[string]any `yaml:"bindings,omitempty"`
}

// Step is one scenario action.
//
// Mutations: insert (record), update (key, set), delete (key),
// delete_where (match), transact (steps). As labels the transaction in
// the trace; for inserts it also names the new key, which later values
// reference as "$label".
//
// Gate control: hold (ops), release (count), release_all, fail (op,
// error, message).
//
// Session: refresh, settle.
type Step struct {
	Op         string         `yaml:"op"`
	Collection string         `yaml:"collection,omitempty"`
	As         string         `yaml:"as,omitempty"`
	Key        any            `yaml:"key,omitempty"`
	Record     map[string]any `yaml:"record,omitempty"`
	Set        map[string]any `yaml:"set,omitempty"`
	Match      map[string]any `yaml:"match,omitempty"`
	Steps      []Step         `yaml:"steps,omitempty"`

	Ops     []string `yaml:"ops,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Error   string   `yaml:"error,omitempty"`
	Message string   `yaml:"message,omitempty"`

	// Expect names the error code the step must be rejected with.
	// Without it, a rejected step fails the scenario.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies a synchronous rejection.
type ExpectClause struct {
	Rejected string `yaml:"rejected"`
}

// Step operations.
const (
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpDeleteWhere = "delete_where"
	OpTransact    = "transact"
	OpHold        = "hold"
	OpRelease     = "release"
	OpReleaseAll  = "release_all"
	OpFail        = "fail"
	OpRefresh     = "refresh"
	OpSettle      = "settle"
)

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "outcome": transaction Tx settled with Outcome (and Code)
	// - "delivery_count": watch Watch delivered exactly Count times
	// - "view": the last delivery of Watch has exactly Rows
	// - "final_state": the local store row matching Where has Expect
	//   (and sync State), or Count rows match
	// - "backend_state": the same against the backend tables
	Type string `yaml:"type"`

	Tx      string `yaml:"tx,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
	Code    string `yaml:"code,omitempty"`

	Watch string           `yaml:"watch,omitempty"`
	Rows  []map[string]any `yaml:"rows,omitempty"`

	Collection string         `yaml:"collection,omitempty"`
	Where      map[string]any `yaml:"where,omitempty"`
	Expect     map[string]any `yaml:"expect,omitempty"`
	State      string         `yaml:"state,omitempty"`

	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertOutcome       = "outcome"
	AssertDeliveryCount = "delivery_count"
	AssertView          = "view"
	AssertFinalState    = "final_state"
	AssertBackendState  = "backend_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative schema path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}
	if scenario.Schema != "" {
		if _, err := os.Stat(scenario.Schema); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: schema file not found: %s", scenario.Schema)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios lists the YAML files under dir, optionally filtered by a
// glob on the file name without extension. A file path is returned as is.
func FindScenarios(dir, filter string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, block := range s.Seed {
		if block.Collection == "" {
			return fmt.Errorf("seed[%d]: collection is required", i)
		}
	}

	watches := map[string]bool{}
	for i, w := range s.Watch {
		if w.Name == "" {
			return fmt.Errorf("watch[%d]: name is required", i)
		}
		if watches[w.Name] {
			return fmt.Errorf("watch[%d]: duplicate name %q", i, w.Name)
		}
		watches[w.Name] = true
		if (w.Query == "") == (w.Spec == nil) {
			return fmt.Errorf("watch[%d]: exactly one of query and spec is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(fmt.Sprintf("steps[%d]", i), step, false); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, watches); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a step; nested steps of a transact may only
// mutate.
func validateStep(path string, st Step, nested bool) error {
	needCollection := func() error {
		if st.Collection == "" {
			return fmt.Errorf("%s: collection is required for %s", path, st.Op)
		}
		return nil
	}

	switch st.Op {
	case OpInsert:
		if st.Record == nil {
			return fmt.Errorf("%s: record is required for insert", path)
		}
		return needCollection()
	case OpUpdate:
		if st.Key == nil || st.Set == nil {
			return fmt.Errorf("%s: key and set are required for update", path)
		}
		return needCollection()
	case OpDelete:
		if st.Key == nil {
			return fmt.Errorf("%s: key is required for delete", path)
		}
		return needCollection()
	case OpDeleteWhere:
		if len(st.Match) == 0 {
			return fmt.Errorf("%s: match is required for delete_where", path)
		}
		return needCollection()
	}

	if nested {
		return fmt.Errorf("%s: %q is not allowed inside transact", path, st.Op)
	}
	if st.Expect != nil && st.Expect.Rejected != "" && !knownCode(st.Expect.Rejected) {
		return fmt.Errorf("%s.expect: unknown error code %q", path, st.Expect.Rejected)
	}

	switch st.Op {
	case OpTransact:
		if len(st.Steps) == 0 {
			return fmt.Errorf("%s: steps are required for transact", path)
		}
		for i, sub := range st.Steps {
			if err := validateStep(fmt.Sprintf("%s.steps[%d]", path, i), sub, true); err != nil {
				return err
			}
		}
		return nil
	case OpHold:
		if len(st.Ops) == 0 {
			return fmt.Errorf("%s: ops are required for hold", path)
		}
		for _, op := range st.Ops {
			if !knownAdapterOp(op) {
				return fmt.Errorf("%s: unknown adapter op %q", path, op)
			}
		}
		return needCollection()
	case OpFail:
		if len(st.Ops) != 1 || !knownAdapterOp(st.Ops[0]) {
			return fmt.Errorf("%s: fail needs exactly one adapter op", path)
		}
		if !knownCode(st.Error) {
			return fmt.Errorf("%s: unknown error code %q", path, st.Error)
		}
		return needCollection()
	case OpRelease, OpReleaseAll, OpRefresh:
		return needCollection()
	case OpSettle:
		return nil
	case "":
		return fmt.Errorf("%s: op is required", path)
	default:
		return fmt.Errorf("%s: unknown op %q", path, st.Op)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, watches map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOutcome:
		if a.Tx == "" {
			return fmt.Errorf("assertions[%d]: tx is required for outcome", index)
		}
		if a.Outcome != "persisted" && a.Outcome != "rolled_back" {
			return fmt.Errorf("assertions[%d]: outcome must be persisted or rolled_back", index)
		}
		if a.Code != "" && !knownCode(a.Code) {
			return fmt.Errorf("assertions[%d]: unknown error code %q", index, a.Code)
		}
	case AssertDeliveryCount, AssertView:
		if !watches[a.Watch] {
			return fmt.Errorf("assertions[%d]: unknown watch %q", index, a.Watch)
		}
		if a.Type == AssertDeliveryCount && (a.Count == nil || *a.Count < 0) {
			return fmt.Errorf("assertions[%d]: count must be non-negative for delivery_count", index)
		}
	case AssertFinalState, AssertBackendState:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 && a.Count == nil && a.State == "" {
			return fmt.Errorf("assertions[%d]: expect, state or count is required for %s", index, a.Type)
		}
		if a.Type == AssertBackendState && a.State != "" {
			return fmt.Errorf("assertions[%d]: state is not tracked by the backend", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func knownCode(code string) bool {
	switch ir.ErrorCode(code) {
	case ir.ErrCodeValidation, ir.ErrCodeDuplicateKey, ir.ErrCodeNotFound,
		ir.ErrCodeForeignKey, ir.ErrCodeConflict, ir.ErrCodeNetwork:
		return true
	}
	return false
}

func knownAdapterOp(op string) bool {
	switch op {
	case "fetch", "insert", "update", "delete":
		return true
	}
	return false
}
