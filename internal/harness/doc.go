// Package harness runs conformance scenarios against a live engine
// session.
//
// Each scenario gets a fresh SQLite backend and a session registered the
// way the CMS registers one, with every collection adapter wrapped in an
// adapter.Gate. Steps issue real mutations; gate steps hold, release and
// fail adapter calls so the in-flight window of a transaction can be
// observed. After every step the session is quiesced: the step's
// deliveries have been traced and every transaction able to settle has
// settled.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	schema: path/to/schema.cue      # optional, defaults to the CMS schema
//	seed:
//	  - collection: users
//	    records:
//	      - {id: 1, name: Ada, email: ada@example.com}
//	watch:
//	  - name: mine
//	    query: articles_by_author   # a named CMS query, or an inline spec:
//	    bindings: {author: 1}
//	steps:
//	  - {op: hold, collection: articles, ops: [insert]}
//	  - op: insert
//	    collection: articles
//	    as: draft
//	    record: {title: New, author_id: 1}
//	  - {op: release, collection: articles}
//	  - {op: update, collection: articles, key: $draft, set: {title: Renamed}}
//	assertions:
//	  - {type: outcome, tx: draft, outcome: persisted}
//	  - {type: final_state, collection: articles, where: {id: $draft}, expect: {title: Renamed}}
//
// A string "$label" stands for the key of the insert labelled label,
// resolved to its real key once the insert has been reconciled.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - outcome: a transaction settled persisted or rolled back with a code
//   - delivery_count: a watch delivered exactly N times
//   - view: the last delivery of a watch has exactly the given rows
//   - final_state: a row of the local store has the expected fields or
//     sync state, or N rows match
//   - backend_state: the same against the backend tables
//
// # Deterministic Testing
//
// Pending keys and transaction IDs come from sequence generators, backend
// timestamps and trace sequence numbers from deterministic clocks, and
// steps never overlap. Traces are identical across runs and are compared
// against golden files:
//
//	go test ./internal/harness -update
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/toggle.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
