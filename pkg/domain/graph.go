package domain

// RunInputKey is the inputs key under which entry nodes receive the run input.
const RunInputKey = "$input"

// Graph is the declarative description of an agent workflow.
type Graph struct {
	ID       string        `json:"id,omitempty"`
	Nodes    []Node        `json:"nodes"`
	Edges    []Edge        `json:"edges,omitempty"`
	Defaults GraphDefaults `json:"defaults,omitempty"`
}

// GraphDefaults apply to every node that does not override them.
type GraphDefaults struct {
	TimeoutMS int         `json:"timeout_ms,omitempty"`
	Retries   RetryConfig `json:"retries,omitempty"`
}

// RetryConfig defines retry behavior for a node (or graph default).
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"` // exponential, linear, fixed
	BaseMS      int    `json:"base_ms,omitempty"`
	MaxMS       int    `json:"max_ms,omitempty"`
}

// Node is a single step in the graph.
type Node struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Config    map[string]any `json:"config,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	// Critical defaults to true when unset.
	Critical  *bool        `json:"critical,omitempty"`
	Loop      *LoopPolicy  `json:"loop,omitempty"`
	TimeoutMS int          `json:"timeout_ms,omitempty"`
	Retries   *RetryConfig `json:"retries,omitempty"`
}

// LoopPolicy marks a node as a loop target. MaxIterations bounds how many
// times the node may execute within one run.
type LoopPolicy struct {
	MaxIterations int `json:"max_iterations"`
}

// IsCritical reports whether a failure of the node halts the run.
func (n Node) IsCritical() bool {
	return n.Critical == nil || *n.Critical
}

// LoopEligible reports whether back edges may target this node.
func (n Node) LoopEligible() bool {
	return n.Loop != nil && n.Loop.MaxIterations > 0
}

// Edge is a control-flow transition between two nodes.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Conditional reports whether the edge carries a guard.
func (e Edge) Conditional() bool {
	return e.Condition != ""
}
