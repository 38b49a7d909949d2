package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph from check units.
// It performs topological sorting and assigns execution levels so that
// independent units can run in parallel.
type DAGBuilder struct {
	// units maps unit IDs to their check units
	units map[string]*CheckUnit

	// dependents maps unit IDs to the units that depend on them
	dependents map[string][]string

	// dependencies maps unit IDs to the units they depend on
	dependencies map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to unit IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:        make(map[string]*CheckUnit),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// BuildGraph constructs an execution graph from check units.
// It validates dependencies, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(units []CheckUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.index(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// index sets up the internal adjacency structures from check units.
func (b *DAGBuilder) index(units []CheckUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("check unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.units[unit.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate check unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.units[unit.ID] = unit
		b.dependents[unit.ID] = make([]string, 0)
		b.dependencies[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			targetID := dep.TargetID
			if _, exists := b.units[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("check unit %s depends on non-existent unit %s", unit.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithUnit(unit.ID)
			}

			// The dependency must complete before the unit can start.
			b.dependents[targetID] = append(b.dependents[targetID], unit.ID)
			b.dependencies[unit.ID] = append(b.dependencies[unit.ID], targetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !visited[id] {
			if cycle := b.findCycle(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// findCycle performs DFS and returns the cycle path if one exists.
func (b *DAGBuilder) findCycle(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := b.findCycle(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(path[i:], dependent)
				}
			}
			return []string{dependent}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Units at the same level can be executed in parallel.
func (b *DAGBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		remaining[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range remaining {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.units) > 0 {
		return NewPermanentError("no root units found - all units have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.dependents[nodeID] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	// Should be unreachable once cycle detection has run.
	if processed != len(b.units) {
		return NewPermanentError("failed to level all units - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, unitIDs := range b.levels {
		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			graph.Nodes[unitID] = &GraphNode{
				ID:           unitID,
				Level:        level,
				Dependencies: b.dependencies[unitID],
				Dependents:   b.dependents[unitID],
			}
			unit.ExecutionOrder = level

			if level == 0 {
				graph.Roots = append(graph.Roots, unitID)
			}
		}
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   unit.ID,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// Levels returns the computed execution levels.
// Each level contains unit IDs that can be executed in parallel.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT generates a DOT representation of the DAG for Graphviz rendering.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph VerificationPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, unitIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			label := fmt.Sprintf("%s\\n%s", unit.ScenarioID+"/"+unit.StepID, unit.Kind)
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				unitID, label, kindColor(unit.Kind, unit.Honeypot)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n",
				dep.TargetID, unit.ID, dependencyStyle(dep.Type)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// kindColor returns a fill color for visualizing step kinds.
func kindColor(kind StepKind, honeypot bool) string {
	if honeypot {
		return "lightcoral"
	}
	switch kind {
	case StepKindExec:
		return "lightblue"
	case StepKindHTTP:
		return "lightgreen"
	case StepKindWASM:
		return "khaki"
	case StepKindSSH:
		return "plum"
	default:
		return "white"
	}
}

// dependencyStyle returns a DOT style string for dependency types.
func dependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyOrder:
		return "style=dotted, color=gray"
	case DependencyNotify:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs structural validation on a built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
