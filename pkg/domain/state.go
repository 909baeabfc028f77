package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// NodeStatus is the lifecycle state of a node within one run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeRejected  NodeStatus = "rejected"
	// NodeSkipped marks a node on a branch that can no longer be reached.
	NodeSkipped NodeStatus = "skipped"
)

// Settled reports whether dependents may consume the node's output.
func (s NodeStatus) Settled() bool {
	return s == NodeSucceeded || s == NodeFailed
}

// Terminal reports whether the node will not change state again in this run.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeRejected, NodeSkipped:
		return true
	default:
		return false
	}
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
	RunRejected  RunStatus = "rejected"
)

// Halt reasons recorded on halted runs.
const (
	HaltNodeFailed = "NodeFailed"
	HaltCancelled  = "Cancelled"
)

// ExecutionState is the observable outcome of one run. It is built by the
// run's coordinator and never shared with another run.
type ExecutionState struct {
	RunID      string                `json:"run_id"`
	GraphID    string                `json:"graph_id,omitempty"`
	Status     RunStatus             `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Rejection  *Rejection            `json:"rejection,omitempty"`
	Halt       *HaltInfo             `json:"halt,omitempty"`
	Nodes      map[string]*NodeState `json:"nodes"`
	Order      []string              `json:"order"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Rejection identifies the node and rule that rejected a run.
type Rejection struct {
	NodeID string `json:"node_id"`
	RuleID string `json:"rule_id"`
	Reason string `json:"reason,omitempty"`
}

// HaltInfo describes why a run stopped before completing.
type HaltInfo struct {
	NodeID string    `json:"node_id,omitempty"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// NodeState is the per-node slice of an ExecutionState.
type NodeState struct {
	Status     NodeStatus `json:"status"`
	Output     any        `json:"output,omitempty"`
	Iterations int        `json:"iterations,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Error      *NodeError `json:"error,omitempty"`
	Verdict    *Verdict   `json:"verdict,omitempty"`
	Duration   Duration   `json:"duration_ms,omitempty"`
}

// NodeError is the serialisable form of an ExecutionError.
type NodeError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Duration marshals as integer milliseconds.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(d).Milliseconds(), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// FailedOutput is the placeholder output recorded for a non-critical node
// failure so dependents and edge conditions can observe it.
func FailedOutput(err *NodeError) map[string]any {
	out := map[string]any{"failed": true}
	if err != nil {
		out["kind"] = string(err.Kind)
		out["error"] = err.Detail
	}
	return out
}

// Succeeded reports whether the run completed.
func (s *ExecutionState) Succeeded() bool {
	return s != nil && s.Status == RunCompleted
}

// Output returns the committed output of a node.
func (s *ExecutionState) Output(nodeID string) (any, bool) {
	if s == nil {
		return nil, false
	}
	ns, ok := s.Nodes[nodeID]
	if !ok || !ns.Status.Settled() {
		return nil, false
	}
	return ns.Output, true
}
