package engine

import (
	"time"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

type edgeState uint8

const (
	edgePending edgeState = iota
	edgeFired
	edgeDead
	// edgeDeferred is a loop exit that did not fire. It turns dead once the
	// run quiesces, since the loop may still go round and fire it.
	edgeDeferred
	// edgeExitFired is a loop exit that fired. Its target waits for the run
	// to quiesce so it sees the loop's final output.
	edgeExitFired
)

// nodeRun is the coordinator's record of one node.
type nodeRun struct {
	status     domain.NodeStatus
	output     any
	executions int
	attempts   int
	err        *domain.NodeError
	verdict    *domain.Verdict
	duration   time.Duration
	// epoch is the quiescence epoch of the last commit.
	epoch int
}

// runState is the arena owned by a run's coordinator goroutine. Nothing else
// reads or writes it while the run is in progress.
type runState struct {
	plan  *Plan
	nodes []nodeRun
	edges []edgeState
	epoch int

	input    any
	metadata map[string]string
	exec     *domain.ExecutionState
}

func newRunState(plan *Plan, runID string, input any, started time.Time) *runState {
	rs := &runState{
		plan:  plan,
		nodes: make([]nodeRun, plan.Len()),
		edges: make([]edgeState, len(plan.edges)),
		input: input,
		exec: &domain.ExecutionState{
			RunID:     runID,
			GraphID:   plan.Graph().ID,
			Status:    domain.RunRunning,
			Nodes:     make(map[string]*domain.NodeState, plan.Len()),
			Order:     []string{},
			StartedAt: started,
		},
	}
	for i := range rs.nodes {
		rs.nodes[i].status = domain.NodePending
	}
	return rs
}

func (rs *runState) done() bool {
	return rs.exec.Status != domain.RunRunning
}

// depHeld reports whether the k-th dependency of v must wait for the run to
// quiesce before v may consume it.
func (rs *runState) depHeld(v, k int) bool {
	d := rs.plan.deps[v][k]
	return rs.plan.exitDeps[v][k] && rs.nodes[d].epoch == rs.epoch
}

// ready reports whether a pending node can be dispatched.
func (rs *runState) ready(v int) bool {
	if rs.nodes[v].status != domain.NodePending {
		return false
	}
	for k, d := range rs.plan.deps[v] {
		if !rs.nodes[d].status.Settled() || rs.depHeld(v, k) {
			return false
		}
	}
	incoming := rs.plan.inForward[v]
	if len(incoming) == 0 {
		return true
	}
	fired := false
	for _, e := range incoming {
		switch rs.edges[e] {
		case edgePending, edgeDeferred, edgeExitFired:
			return false
		case edgeFired:
			fired = true
		}
	}
	return fired
}

// nextReady returns the lowest declared index that is ready.
func (rs *runState) nextReady() (int, bool) {
	for v := range rs.nodes {
		if rs.ready(v) {
			return v, true
		}
	}
	return 0, false
}

// unreachable reports whether a pending node can never run in the current
// state of the run.
func (rs *runState) unreachable(v int) bool {
	if rs.nodes[v].status != domain.NodePending {
		return false
	}
	for k, d := range rs.plan.deps[v] {
		if rs.nodes[d].status == domain.NodeSkipped && !rs.depHeld(v, k) {
			return true
		}
	}
	incoming := rs.plan.inForward[v]
	if len(incoming) == 0 {
		return false
	}
	for _, e := range incoming {
		if rs.edges[e] != edgeDead {
			return false
		}
	}
	return true
}

// inputs collects the outputs a node receives: its dependencies, the sources
// of fired incoming edges (back edges included) and, for entry nodes, the
// run input.
func (rs *runState) inputs(v int) runtime.Inputs {
	in := make(runtime.Inputs)
	for _, d := range rs.plan.deps[v] {
		in[rs.plan.Node(d).ID] = rs.nodes[d].output
	}
	for _, e := range rs.plan.inForward[v] {
		if rs.edges[e] == edgeFired {
			from := rs.plan.edges[e].from
			in[rs.plan.Node(from).ID] = rs.nodes[from].output
		}
	}
	for e := range rs.plan.edges {
		edge := &rs.plan.edges[e]
		if edge.back && edge.to == v && rs.edges[e] == edgeFired {
			in[rs.plan.Node(edge.from).ID] = rs.nodes[edge.from].output
		}
	}
	if len(rs.plan.inForward[v]) == 0 && len(rs.plan.deps[v]) == 0 {
		in[domain.RunInputKey] = rs.input
	}
	return in
}

// resolveFired settles a forward edge that fired.
func (rs *runState) resolveFired(e int) {
	if rs.plan.edges[e].exits {
		rs.edges[e] = edgeExitFired
		return
	}
	rs.edges[e] = edgeFired
}

// resolveUnfired settles a forward edge that will not fire now.
func (rs *runState) resolveUnfired(e int) {
	if rs.plan.edges[e].exits {
		rs.edges[e] = edgeDeferred
		return
	}
	rs.edges[e] = edgeDead
}

// skipUnreachable marks pending nodes that can no longer run as skipped and
// resolves their outgoing edges, until nothing changes.
func (rs *runState) skipUnreachable() {
	for changed := true; changed; {
		changed = false
		for v := range rs.nodes {
			if !rs.unreachable(v) {
				continue
			}
			rs.nodes[v].status = domain.NodeSkipped
			rs.nodes[v].epoch = rs.epoch
			for _, e := range rs.plan.outEdges[v] {
				if !rs.plan.edges[e].back && rs.edges[e] == edgePending {
					rs.resolveUnfired(e)
				}
			}
			changed = true
		}
	}
}

// quiesce releases everything held back for loops: deferred exits become
// dead, fired exits become fired and loop outputs become visible to
// dependents outside the loop. It reports whether any node became ready.
func (rs *runState) quiesce() bool {
	rs.epoch++
	for e, state := range rs.edges {
		switch state {
		case edgeDeferred:
			rs.edges[e] = edgeDead
		case edgeExitFired:
			rs.edges[e] = edgeFired
		}
	}
	rs.skipUnreachable()
	_, ok := rs.nextReady()
	return ok
}

// restartLoop re-enters the region of back edge e. Region nodes return to
// pending, edges inside the region are cleared, and exits still held are
// re-armed. Exits released by an earlier quiescence stay fired.
func (rs *runState) restartLoop(e int) {
	edge := &rs.plan.edges[e]
	inRegion := make(map[int]bool, len(edge.region))
	for _, v := range edge.region {
		inRegion[v] = true
		rs.nodes[v].status = domain.NodePending
	}
	for i := range rs.plan.edges {
		other := &rs.plan.edges[i]
		if !inRegion[other.from] {
			continue
		}
		switch {
		case i == e:
			rs.edges[i] = edgeFired
		case inRegion[other.to]:
			rs.edges[i] = edgePending
		case rs.edges[i] != edgeFired:
			rs.edges[i] = edgePending
		}
	}
}

// record copies a node's run record into the execution state.
func (rs *runState) record(v int) {
	n := &rs.nodes[v]
	rs.exec.Nodes[rs.plan.Node(v).ID] = &domain.NodeState{
		Status:     n.status,
		Output:     n.output,
		Iterations: n.executions,
		Attempts:   n.attempts,
		Error:      n.err,
		Verdict:    n.verdict,
		Duration:   domain.Duration(n.duration),
	}
}

// finish closes the run. Pending nodes left over are skipped.
func (rs *runState) finish(now time.Time) *domain.ExecutionState {
	if rs.exec.Status == domain.RunRunning {
		rs.exec.Status = domain.RunCompleted
		for v := range rs.nodes {
			if rs.nodes[v].status == domain.NodePending {
				rs.nodes[v].status = domain.NodeSkipped
			}
		}
	}
	for v := range rs.nodes {
		rs.record(v)
	}
	rs.exec.FinishedAt = now
	return rs.exec
}

func (rs *runState) halt(v int, kind domain.ErrorKind, detail string) {
	if rs.done() {
		return
	}
	rs.exec.Status = domain.RunHalted
	rs.exec.Reason = domain.HaltNodeFailed
	if kind == domain.KindCancelled {
		rs.exec.Reason = domain.HaltCancelled
	}
	info := &domain.HaltInfo{Kind: kind, Detail: detail}
	if v >= 0 {
		info.NodeID = rs.plan.Node(v).ID
	}
	rs.exec.Halt = info
}

func (rs *runState) reject(v int, verdict domain.Verdict) {
	rs.exec.Status = domain.RunRejected
	rs.exec.Reason = verdict.Reason
	rs.exec.Rejection = &domain.Rejection{
		NodeID: rs.plan.Node(v).ID,
		RuleID: verdict.RuleID,
		Reason: verdict.Reason,
	}
}
