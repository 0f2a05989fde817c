package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// OperationSet is an unordered set of operation identifiers.
type OperationSet map[OperationID]struct{}

// NewOperationSet creates a set holding ids.
func NewOperationSet(ids ...OperationID) OperationSet {
	s := make(OperationSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s OperationSet) Add(id OperationID) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s OperationSet) Has(id OperationID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s OperationSet) Sorted() []OperationID {
	out := make([]OperationID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Graph is an immutable directed acyclic graph of operations. Declaration
// order (the order operations were given to NewGraph) breaks ties wherever
// an ordering would otherwise be ambiguous.
type Graph struct {
	// operations in declaration order
	operations []Operation

	// position maps an operation ID to its declaration index
	position map[OperationID]int

	// dependents maps an operation to the operations that depend on it
	dependents map[OperationID][]OperationID

	// dependencies maps an operation to the operations it depends on
	dependencies map[OperationID][]OperationID

	byComponent map[ServiceComponent][]OperationID
	byService   map[string][]OperationID

	// order is the full deterministic topological order
	order []OperationID
}

// NewGraph validates ops and builds a graph from them. It rejects empty or
// duplicate identifiers, unknown actions, unknown or self dependencies, and
// cycles.
func NewGraph(ops []Operation) (*Graph, error) {
	g := &Graph{
		operations:   make([]Operation, 0, len(ops)),
		position:     make(map[OperationID]int, len(ops)),
		dependents:   make(map[OperationID][]OperationID, len(ops)),
		dependencies: make(map[OperationID][]OperationID, len(ops)),
		byComponent:  make(map[ServiceComponent][]OperationID),
		byService:    make(map[string][]OperationID),
	}

	// First pass: index all operations
	for _, op := range ops {
		if op.ID == "" {
			return nil, newValidationError("operation has empty ID", "")
		}
		if _, exists := g.position[op.ID]; exists {
			return nil, newValidationError(fmt.Sprintf("duplicate operation ID: %s", op.ID), op.ID)
		}
		if op.Service == "" {
			return nil, newValidationError(fmt.Sprintf("operation %s has no service", op.ID), op.ID)
		}
		if err := op.Action.Validate(); err != nil {
			return nil, NewPermanentError(fmt.Sprintf("operation %s has an invalid action", op.ID), err).
				WithCode(ErrCodeValidation).
				WithResource(string(op.ID))
		}

		op.DependsOn = append([]OperationID(nil), op.DependsOn...)
		if op.Labels != nil {
			labels := make(map[string]string, len(op.Labels))
			for k, v := range op.Labels {
				labels[k] = v
			}
			op.Labels = labels
		}

		g.position[op.ID] = len(g.operations)
		g.operations = append(g.operations, op)
		sc := op.ServiceComponent()
		g.byComponent[sc] = append(g.byComponent[sc], op.ID)
		g.byService[op.Service] = append(g.byService[op.Service], op.ID)
	}

	// Second pass: build adjacency lists and validate dependencies
	for _, op := range g.operations {
		seen := make(map[OperationID]bool, len(op.DependsOn))
		for _, dep := range op.DependsOn {
			if dep == op.ID {
				return nil, newValidationError(fmt.Sprintf("operation %s depends on itself", op.ID), op.ID)
			}
			if _, exists := g.position[dep]; !exists {
				return nil, newValidationError(
					fmt.Sprintf("operation %s depends on non-existent operation %s", op.ID, dep), op.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// Edge from dependency to operation
			g.dependents[dep] = append(g.dependents[dep], op.ID)
			g.dependencies[op.ID] = append(g.dependencies[op.ID], dep)
		}
	}

	if cycle := g.findCycle(g.allIDs()); cycle != nil {
		return nil, NewCyclicGraphError(cycle)
	}

	order, err := g.lexicographicOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// Len returns the number of operations in the graph.
func (g *Graph) Len() int {
	return len(g.operations)
}

// Operation returns the operation with the given ID.
func (g *Graph) Operation(id OperationID) (Operation, bool) {
	i, ok := g.position[id]
	if !ok {
		return Operation{}, false
	}
	return g.operations[i], true
}

// Operations returns every operation in declaration order.
func (g *Graph) Operations() []Operation {
	out := make([]Operation, len(g.operations))
	copy(out, g.operations)
	return out
}

// OperationsFor returns the operations owned by a (service, component)
// pair in declaration order. A service-level pair returns the operations
// declared without a component.
func (g *Graph) OperationsFor(sc ServiceComponent) []OperationID {
	return append([]OperationID(nil), g.byComponent[sc]...)
}

// OperationsForService returns every operation of a service, whatever its
// component, in declaration order.
func (g *Graph) OperationsForService(service string) []OperationID {
	return append([]OperationID(nil), g.byService[service]...)
}

// Components returns the distinct pairs owning operations, in declaration order.
func (g *Graph) Components() []ServiceComponent {
	seen := make(map[ServiceComponent]bool)
	var out []ServiceComponent
	for _, op := range g.operations {
		sc := op.ServiceComponent()
		if !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}
	return out
}

// Services returns the distinct services in declaration order.
func (g *Graph) Services() []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range g.operations {
		if !seen[op.Service] {
			seen[op.Service] = true
			out = append(out, op.Service)
		}
	}
	return out
}

// DependenciesOf returns the direct dependencies of an operation.
func (g *Graph) DependenciesOf(id OperationID) ([]OperationID, error) {
	if _, ok := g.position[id]; !ok {
		return nil, newNotFoundError(id)
	}
	return append([]OperationID(nil), g.dependencies[id]...), nil
}

// AncestorsOf returns every operation that id transitively depends on,
// excluding id itself.
func (g *Graph) AncestorsOf(id OperationID) (OperationSet, error) {
	if _, ok := g.position[id]; !ok {
		return nil, newNotFoundError(id)
	}
	return g.walk([]OperationID{id}, g.dependencies, false), nil
}

// DescendantsOf returns every operation that transitively depends on id,
// excluding id itself.
func (g *Graph) DescendantsOf(id OperationID) (OperationSet, error) {
	if _, ok := g.position[id]; !ok {
		return nil, newNotFoundError(id)
	}
	return g.walk([]OperationID{id}, g.dependents, false), nil
}

// DescendantClosure returns seeds together with all of their descendants.
func (g *Graph) DescendantClosure(seeds []OperationID) (OperationSet, error) {
	for _, id := range seeds {
		if _, ok := g.position[id]; !ok {
			return nil, newNotFoundError(id)
		}
	}
	return g.walk(seeds, g.dependents, true), nil
}

// AncestorClosure returns seeds together with all of their ancestors.
func (g *Graph) AncestorClosure(seeds []OperationID) (OperationSet, error) {
	for _, id := range seeds {
		if _, ok := g.position[id]; !ok {
			return nil, newNotFoundError(id)
		}
	}
	return g.walk(seeds, g.dependencies, true), nil
}

// walk performs a breadth-first traversal along edges starting at seeds.
func (g *Graph) walk(seeds []OperationID, edges map[OperationID][]OperationID, inclusive bool) OperationSet {
	result := make(OperationSet)
	queue := make([]OperationID, 0, len(seeds))
	visited := make(map[OperationID]bool, len(seeds))
	for _, id := range seeds {
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, id)
		if inclusive {
			result.Add(id)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range edges[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			result.Add(next)
			queue = append(queue, next)
		}
	}
	return result
}

// TopologicalOrder orders subset so that every dependency, direct or
// through operations outside subset, comes first. Ties are broken by
// declaration order, so the same graph and subset always yield the same
// sequence.
func (g *Graph) TopologicalOrder(subset OperationSet) ([]OperationID, error) {
	for id := range subset {
		if _, ok := g.position[id]; !ok {
			return nil, newNotFoundError(id)
		}
	}
	if len(subset) == 0 {
		return []OperationID{}, nil
	}

	ordered := make([]OperationID, 0, len(subset))
	for _, id := range g.order {
		if subset.Has(id) {
			ordered = append(ordered, id)
		}
	}

	// Defensive check: every dependency inside the subset must precede its
	// dependent.
	placed := make(map[OperationID]int, len(ordered))
	for i, id := range ordered {
		placed[id] = i
	}
	for i, id := range ordered {
		for _, dep := range g.dependencies[id] {
			if j, ok := placed[dep]; ok && j >= i {
				cycle := g.findCycle(ordered)
				return nil, NewCyclicGraphError(cycle)
			}
		}
	}
	if len(ordered) != len(subset) {
		return nil, NewPermanentError("topological order lost operations", nil).
			WithCode(ErrCodeInternal)
	}

	return ordered, nil
}

// Levels groups the whole graph by depth using Kahn's algorithm. Level 0
// holds operations without dependencies. Each level is in declaration order.
func (g *Graph) Levels() [][]OperationID {
	inDegree := make(map[OperationID]int, len(g.operations))
	for _, op := range g.operations {
		inDegree[op.ID] = len(g.dependencies[op.ID])
	}

	var levels [][]OperationID
	current := make([]OperationID, 0)
	for _, op := range g.operations {
		if inDegree[op.ID] == 0 {
			current = append(current, op.ID)
		}
	}

	for len(current) > 0 {
		levels = append(levels, current)
		next := make([]OperationID, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return g.position[next[i]] < g.position[next[j]] })
		current = next
	}
	return levels
}

// lexicographicOrder runs Kahn's algorithm, always picking the available
// operation declared first.
func (g *Graph) lexicographicOrder() ([]OperationID, error) {
	inDegree := make(map[OperationID]int, len(g.operations))
	ready := &positionHeap{position: g.position}
	total := len(g.operations)
	for _, op := range g.operations {
		inDegree[op.ID] = len(g.dependencies[op.ID])
		if inDegree[op.ID] == 0 {
			ready.ids = append(ready.ids, op.ID)
		}
	}
	heap.Init(ready)

	order := make([]OperationID, 0, total)
	for ready.Len() > 0 {
		id := heap.Pop(ready).(OperationID)
		order = append(order, id)
		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != total {
		var remaining []OperationID
		for _, op := range g.operations {
			if inDegree[op.ID] > 0 {
				remaining = append(remaining, op.ID)
			}
		}
		return nil, NewCyclicGraphError(g.findCycle(remaining))
	}
	return order, nil
}

// findCycle uses depth-first search over the given nodes and returns the
// first cycle found as a closed path, or nil.
func (g *Graph) findCycle(nodes []OperationID) []OperationID {
	within := NewOperationSet(nodes...)
	visited := make(map[OperationID]bool)
	recStack := make(map[OperationID]bool)

	var path []OperationID
	var visit func(id OperationID) []OperationID
	visit = func(id OperationID) []OperationID {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dependent := range g.dependents[id] {
			if !within.Has(dependent) {
				continue
			}
			if !visited[dependent] {
				if cycle := visit(dependent); cycle != nil {
					return cycle
				}
			} else if recStack[dependent] {
				for i, p := range path {
					if p == dependent {
						cycle := append([]OperationID(nil), path[i:]...)
						return append(cycle, dependent)
					}
				}
			}
		}

		recStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range nodes {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph) allIDs() []OperationID {
	ids := make([]OperationID, len(g.operations))
	for i, op := range g.operations {
		ids[i] = op.ID
	}
	return ids
}

// ToDOT generates a DOT format representation of the graph for
// visualization. Operations in highlight are filled by action; the rest
// are drawn grey and dashed. A nil highlight fills every node.
func (g *Graph) ToDOT(highlight OperationSet) string {
	var sb strings.Builder

	sb.WriteString("digraph Operations {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			op, _ := g.Operation(id)
			if highlight == nil || highlight.Has(id) {
				sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
					id, op.ServiceComponent(), op.Action, actionColor(op.Action)))
			} else {
				sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", color=\"gray\", fontcolor=\"gray\", style=\"dashed,rounded\"];\n",
					id, op.ServiceComponent(), op.Action))
			}
		}

		sb.WriteString("  }\n\n")
	}

	for _, op := range g.operations {
		for _, dep := range g.dependencies[op.ID] {
			style := "style=solid, color=black"
			if highlight != nil && (!highlight.Has(dep) || !highlight.Has(op.ID)) {
				style = "style=dotted, color=gray"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", dep, op.ID, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []OperationID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}

// actionColor returns a color for visualizing action kinds.
func actionColor(action ActionKind) string {
	switch action {
	case ActionInstall, ActionInit:
		return "lightgreen"
	case ActionConfig:
		return "lightblue"
	case ActionStart, ActionRestart:
		return "khaki"
	case ActionStop:
		return "lightcoral"
	case ActionNoop:
		return "lightgray"
	default:
		return "white"
	}
}

// positionHeap is a min-heap of operation IDs keyed by declaration position.
type positionHeap struct {
	ids      []OperationID
	position map[OperationID]int
}

func (h positionHeap) Len() int { return len(h.ids) }
func (h positionHeap) Less(i, j int) bool {
	return h.position[h.ids[i]] < h.position[h.ids[j]]
}
func (h positionHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *positionHeap) Push(x any) {
	h.ids = append(h.ids, x.(OperationID))
}

func (h *positionHeap) Pop() any {
	old := h.ids
	n := len(old)
	id := old[n-1]
	h.ids = old[:n-1]
	return id
}
