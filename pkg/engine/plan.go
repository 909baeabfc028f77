package engine

import (
	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/expr"
)

// Plan is a validated, immutable view of a graph indexed for execution. Runs
// share a Plan read-only; all per-run state lives in the runner.
type Plan struct {
	graph *domain.Graph
	index map[string]int

	deps       [][]int // depends_on, by node
	dependents [][]int // reverse depends_on, by node
	edges      []planEdge
	outEdges   [][]int // edge indices leaving each node (forward and back)
	inForward  [][]int // forward edge indices entering each node
	inLoop     []bool  // node lies inside some loop region

	// exitDeps marks, per node, the depends_on entries produced inside a loop
	// region the node is not part of.
	exitDeps [][]bool
}

type planEdge struct {
	from, to  int
	condition *expr.Program
	back      bool
	// exits is set on forward edges leaving a loop region. They stay
	// unresolved while the loop may still run again.
	exits bool
	// region holds the nodes re-executed when this back edge fires.
	region []int
}

// Compile validates the graph and builds its execution plan. The graph is
// copied; later changes to the argument do not affect the plan.
func Compile(graph *domain.Graph, registry *Registry) (*Plan, error) {
	if graph == nil {
		return nil, domain.NewValidationError(domain.KindInvalidNode, "", "graph is required")
	}
	g := cloneGraph(graph)

	index := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		if _, exists := index[g.Nodes[i].ID]; !exists && g.Nodes[i].ID != "" {
			index[g.Nodes[i].ID] = i
		}
	}

	if err := checkReferences(g, index); err != nil {
		return nil, err
	}
	if err := checkIdentity(g); err != nil {
		return nil, err
	}

	n := len(g.Nodes)
	succ := make([][]relationEdge, n)
	indegree := make([]int, n)
	for i, edge := range g.Edges {
		from, to := index[edge.From], index[edge.To]
		succ[from] = append(succ[from], relationEdge{to: to, edge: i})
		indegree[to]++
	}
	deps := make([][]int, n)
	dependents := make([][]int, n)
	for i := range g.Nodes {
		for _, dep := range g.Nodes[i].DependsOn {
			d := index[dep]
			deps[i] = append(deps[i], d)
			dependents[d] = append(dependents[d], i)
			succ[d] = append(succ[d], relationEdge{to: i, edge: -1})
			indegree[i]++
		}
	}

	back, err := classifyBackEdges(g, succ, indegree)
	if err != nil {
		return nil, err
	}
	if err := checkKinds(g, registry); err != nil {
		return nil, err
	}
	conditions, err := compileConditions(g)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		graph:      g,
		index:      index,
		deps:       deps,
		dependents: dependents,
		edges:      make([]planEdge, len(g.Edges)),
		outEdges:   make([][]int, n),
		inForward:  make([][]int, n),
		inLoop:     make([]bool, n),
		exitDeps:   make([][]bool, n),
	}
	for v := range deps {
		plan.exitDeps[v] = make([]bool, len(deps[v]))
	}
	for i, edge := range g.Edges {
		from, to := index[edge.From], index[edge.To]
		plan.edges[i] = planEdge{from: from, to: to, condition: conditions[i], back: back[i]}
		plan.outEdges[from] = append(plan.outEdges[from], i)
		if !back[i] {
			plan.inForward[to] = append(plan.inForward[to], i)
		}
	}
	for i := range plan.edges {
		if !plan.edges[i].back {
			continue
		}
		region := plan.loopRegion(plan.edges[i].to, plan.edges[i].from)
		plan.edges[i].region = region
		inRegion := make([]bool, n)
		for _, member := range region {
			plan.inLoop[member] = true
			inRegion[member] = true
		}
		for j := range plan.edges {
			edge := &plan.edges[j]
			if !edge.back && inRegion[edge.from] && !inRegion[edge.to] {
				edge.exits = true
			}
		}
		for v := range deps {
			for k, d := range deps[v] {
				if inRegion[d] && !inRegion[v] {
					plan.exitDeps[v][k] = true
				}
			}
		}
	}
	return plan, nil
}

// Graph returns the plan's private copy of the graph. Callers must not modify it.
func (p *Plan) Graph() *domain.Graph {
	return p.graph
}

// Len is the number of nodes.
func (p *Plan) Len() int {
	return len(p.graph.Nodes)
}

// Node returns the node at a declared index.
func (p *Plan) Node(i int) *domain.Node {
	return &p.graph.Nodes[i]
}

// Index returns the declared index of a node id.
func (p *Plan) Index(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// InLoop reports whether the node at index i can be re-executed by a back edge.
func (p *Plan) InLoop(i int) bool {
	return p.inLoop[i]
}

// forwardSucc lists forward successors (edges that are not back edges, plus
// depends_on links).
func (p *Plan) forwardSucc(u int) []int {
	var out []int
	for _, e := range p.outEdges[u] {
		if !p.edges[e].back {
			out = append(out, p.edges[e].to)
		}
	}
	return append(out, p.dependents[u]...)
}

func (p *Plan) forwardPred(v int) []int {
	var out []int
	for _, e := range p.inForward[v] {
		out = append(out, p.edges[e].from)
	}
	return append(out, p.deps[v]...)
}

// loopRegion returns, in declared order, the nodes on forward paths from the
// loop head to the back edge source, both included.
func (p *Plan) loopRegion(head, tail int) []int {
	fromHead := p.reach(head, p.forwardSucc)
	toTail := p.reach(tail, p.forwardPred)
	var region []int
	for i := range p.graph.Nodes {
		if fromHead[i] && toTail[i] {
			region = append(region, i)
		}
	}
	return region
}

func (p *Plan) reach(start int, next func(int) []int) []bool {
	seen := make([]bool, len(p.graph.Nodes))
	seen[start] = true
	queue := []int{start}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range next(u) {
			if !seen[v] {
				seen[v] = true
				queue = append(queue, v)
			}
		}
	}
	return seen
}

func cloneGraph(src *domain.Graph) *domain.Graph {
	g := &domain.Graph{
		ID:       src.ID,
		Nodes:    make([]domain.Node, len(src.Nodes)),
		Edges:    append([]domain.Edge(nil), src.Edges...),
		Defaults: src.Defaults,
	}
	for i, node := range src.Nodes {
		node.DependsOn = append([]string(nil), node.DependsOn...)
		if node.Config != nil {
			cfg := make(map[string]any, len(node.Config))
			for k, v := range node.Config {
				cfg[k] = v
			}
			node.Config = cfg
		}
		if node.Loop != nil {
			loop := *node.Loop
			node.Loop = &loop
		}
		if node.Critical != nil {
			critical := *node.Critical
			node.Critical = &critical
		}
		if node.Retries != nil {
			retries := *node.Retries
			node.Retries = &retries
		}
		g.Nodes[i] = node
	}
	return g
}
