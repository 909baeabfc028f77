package engine

import (
	"fmt"
	"strings"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/expr"
)

// Validate checks a graph's structure and reports the first violation as a
// *domain.ValidationError. Checks run in a fixed order: unknown references,
// duplicate or malformed ids, cycles, unknown kinds, then edge conditions.
func Validate(graph *domain.Graph, registry *Registry) error {
	_, err := Compile(graph, registry)
	return err
}

// relation successor of a node in the combined edges + depends_on relation.
type relationEdge struct {
	to   int
	edge int // index into graph.Edges; -1 for a depends_on link
}

func checkReferences(graph *domain.Graph, index map[string]int) error {
	for _, edge := range graph.Edges {
		if _, ok := index[edge.From]; !ok {
			return domain.NewValidationError(domain.KindUnknownNode, edge.From,
				"edge %s -> %s references unknown node %q", edge.From, edge.To, edge.From)
		}
		if _, ok := index[edge.To]; !ok {
			return domain.NewValidationError(domain.KindUnknownNode, edge.To,
				"edge %s -> %s references unknown node %q", edge.From, edge.To, edge.To)
		}
	}
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		for _, dep := range node.DependsOn {
			if _, ok := index[dep]; !ok {
				return domain.NewValidationError(domain.KindUnknownNode, dep,
					"node %q depends on unknown node %q", node.ID, dep)
			}
		}
	}
	return nil
}

func checkIdentity(graph *domain.Graph) error {
	if len(graph.Nodes) == 0 {
		return domain.NewValidationError(domain.KindInvalidNode, "", "graph has no nodes")
	}
	seen := make(map[string]struct{}, len(graph.Nodes))
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return domain.NewValidationError(domain.KindInvalidNode, "", "node at position %d has no id", i)
		}
		if id != node.ID || strings.HasPrefix(id, "$") {
			return domain.NewValidationError(domain.KindInvalidNode, node.ID, "node id %q is not allowed", node.ID)
		}
		if _, dup := seen[id]; dup {
			return domain.NewValidationError(domain.KindDuplicateID, id, "node id %q declared more than once", id)
		}
		seen[id] = struct{}{}
		if node.Loop != nil && node.Loop.MaxIterations < 0 {
			return domain.NewValidationError(domain.KindInvalidNode, id, "loop.max_iterations must not be negative")
		}
		if node.TimeoutMS < 0 {
			return domain.NewValidationError(domain.KindInvalidNode, id, "timeout_ms must not be negative")
		}
	}
	return nil
}

// classifyBackEdges walks the relation depth-first and returns the set of edge
// indices that close a loop. Entry nodes are visited first, then loop-eligible
// nodes, then the rest, each group in declaration order, so the result is
// deterministic. A cycle that does not close on a loop-eligible node through
// an edge (a depends_on link never counts) is reported as CycleDetected.
func classifyBackEdges(graph *domain.Graph, succ [][]relationEdge, indegree []int) (map[int]bool, error) {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(graph.Nodes))
	back := make(map[int]bool)
	var stack []int

	var visit func(u int) error
	visit = func(u int) error {
		color[u] = gray
		stack = append(stack, u)
		for _, rel := range succ[u] {
			switch color[rel.to] {
			case white:
				if err := visit(rel.to); err != nil {
					return err
				}
			case gray:
				target := &graph.Nodes[rel.to]
				if rel.edge >= 0 && target.LoopEligible() {
					back[rel.edge] = true
					continue
				}
				return domain.NewValidationError(domain.KindCycleDetected, target.ID,
					"cycle %s", describeCycle(graph, stack, rel.to))
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return nil
	}

	var order []int
	for i := range graph.Nodes {
		if indegree[i] == 0 {
			order = append(order, i)
		}
	}
	for i := range graph.Nodes {
		if indegree[i] > 0 && graph.Nodes[i].LoopEligible() {
			order = append(order, i)
		}
	}
	for i := range graph.Nodes {
		if indegree[i] > 0 && !graph.Nodes[i].LoopEligible() {
			order = append(order, i)
		}
	}

	for _, start := range order {
		if color[start] != white {
			continue
		}
		if err := visit(start); err != nil {
			return nil, err
		}
	}
	return back, nil
}

func describeCycle(graph *domain.Graph, stack []int, target int) string {
	var ids []string
	for i := len(stack) - 1; i >= 0; i-- {
		ids = append(ids, graph.Nodes[stack[i]].ID)
		if stack[i] == target {
			break
		}
	}
	for l, r := 0, len(ids)-1; l < r; l, r = l+1, r-1 {
		ids[l], ids[r] = ids[r], ids[l]
	}
	ids = append(ids, graph.Nodes[target].ID)
	return strings.Join(ids, " -> ")
}

func checkKinds(graph *domain.Graph, registry *Registry) error {
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if strings.TrimSpace(node.Kind) == "" {
			return domain.NewValidationError(domain.KindUnknownKind, node.ID, "node %q has no kind", node.ID)
		}
		if registry == nil || !registry.Has(node.Kind) {
			return domain.NewValidationError(domain.KindUnknownKind, node.ID,
				"no behavior registered for kind %q", node.Kind)
		}
	}
	return nil
}

func compileConditions(graph *domain.Graph) ([]*expr.Program, error) {
	programs := make([]*expr.Program, len(graph.Edges))
	for i, edge := range graph.Edges {
		if !edge.Conditional() {
			continue
		}
		program, err := expr.Compile(edge.Condition)
		if err != nil {
			verr := domain.NewValidationError(domain.KindInvalidCondition, edge.From,
				"edge %s -> %s", edge.From, edge.To)
			verr.Err = err
			return nil, verr
		}
		programs[i] = program
	}
	return programs, nil
}

func edgeLabel(edge domain.Edge) string {
	return fmt.Sprintf("%s->%s", edge.From, edge.To)
}
