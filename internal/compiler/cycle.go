package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/livedb/internal/ir"
)

// CycleWarning represents a cycle in the reference graph of a schema.
//
// Cycles are warnings, not errors: a cycle with an optional reference can
// still be populated by inserting with the reference unset and updating
// it afterwards.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["a", "b", "a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeReferences reports reference cycles between collections.
//
// Edges run from a collection to every collection it references. An
// optional self-reference (a parent link) is the normal way to model a
// tree and is not reported. A required self-reference is, since no first
// row can satisfy it.
//
// A cycle whose references are all required is a "warning": the backend
// will reject the first insert into any member. Cycles with at least one
// optional edge are "info".
//
// Local collections are skipped; they never reach the backend.
func AnalyzeReferences(specs []*ir.CollectionSpec) []CycleWarning {
	graph, required := buildReferenceGraph(specs)

	var warnings []CycleWarning
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph, required))
		}
	}
	return warnings
}

// referenceGraph maps collection → collections it references.
type referenceGraph map[string][]string

// edge is a directed reference between two collections.
type edge struct{ from, to string }

// buildReferenceGraph constructs the graph and records which edges are
// required (at least one non-optional reference between the pair).
func buildReferenceGraph(specs []*ir.CollectionSpec) (referenceGraph, map[edge]bool) {
	graph := make(referenceGraph)
	required := make(map[edge]bool)

	for _, spec := range specs {
		if spec.Local {
			continue
		}
		// Initialize with empty slice if no edges (ensures node exists in graph)
		if graph[spec.Name] == nil {
			graph[spec.Name] = []string{}
		}
		for _, ref := range spec.Refs {
			if ref.To == spec.Name && ref.Optional {
				continue
			}
			e := edge{spec.Name, ref.To}
			if !slices.Contains(graph[spec.Name], ref.To) {
				graph[spec.Name] = append(graph[spec.Name], ref.To)
			}
			if !ref.Optional {
				required[e] = true
			}
		}
	}
	return graph, required
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph referenceGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Nodes are visited in name order so the result is deterministic.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph referenceGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
func cycleSCCToWarning(scc []string, graph referenceGraph, required map[edge]bool) CycleWarning {
	var path []string
	if len(scc) == 1 {
		path = []string{scc[0], scc[0]}
	} else {
		path = reconstructCyclePath(scc, graph)
	}

	allRequired := true
	for i := 0; i+1 < len(path); i++ {
		if !required[edge{path[i], path[i+1]}] {
			allRequired = false
			break
		}
	}

	pathStr := strings.Join(path, " → ")
	if allRequired {
		return CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("Required reference cycle: %s (no row can be inserted first)", pathStr),
			Level:   "warning",
		}
	}
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Reference cycle: %s", pathStr),
		Level:   "info",
	}
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph referenceGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			break
		}

		path = append(path, next)

		if next == start {
			break
		}

		current = next
	}

	return path
}

// InsertOrder returns the backend collections ordered so every required
// reference target comes before the collections that reference it. Ties
// keep declaration order. Collections on a required cycle are appended in
// declaration order at the end.
func InsertOrder(specs []*ir.CollectionSpec) []string {
	_, required := buildReferenceGraph(specs)

	var pending []string
	for _, spec := range specs {
		if !spec.Local {
			pending = append(pending, spec.Name)
		}
	}

	placed := make(map[string]bool, len(pending))
	var order []string
	for len(pending) > 0 {
		progressed := false
		rest := pending[:0:0]
		for _, name := range pending {
			ready := true
			for e := range required {
				if e.from == name && e.to != name && !placed[e.to] && slices.Contains(pending, e.to) {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, name)
				placed[name] = true
				progressed = true
			} else {
				rest = append(rest, name)
			}
		}
		pending = rest
		if !progressed {
			order = append(order, pending...)
			break
		}
	}
	return order
}
