package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/expr"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
	"github.com/polisai/agentlayer/pkg/events"
	"github.com/polisai/agentlayer/pkg/policy"
	"github.com/polisai/agentlayer/pkg/telemetry"
)

const (
	// DefaultWorkers is the per-run worker pool size when none is configured.
	DefaultWorkers = 4
	tracerName     = "github.com/polisai/agentlayer/pkg/engine"
)

// RunnerConfig holds the dependencies of a Runner.
type RunnerConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	// Workers bounds concurrent node executions within one run.
	Workers int
	// DefaultTimeout applies to nodes without a tighter timeout.
	DefaultTimeout time.Duration
	// Publisher receives run lifecycle events. Nil disables events.
	Publisher events.Publisher
	// Redaction is applied to span attributes before export.
	Redaction *telemetry.RedactionPolicy
}

// Runner drives graph runs. A Runner is safe for concurrent use; every run
// gets its own state, coordinator and worker pool.
type Runner struct {
	executor       *NodeExecutor
	logger         *slog.Logger
	workers        int
	defaultTimeout time.Duration
	publisher      events.Publisher
	redaction      *telemetry.RedactionPolicy
	evaluator      *expr.Evaluator
	tracer         trace.Tracer
}

// RunOptions parameterise a single run.
type RunOptions struct {
	RunID    string
	Input    any
	Metadata map[string]string
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		executor:       NewNodeExecutor(cfg.Registry, logger),
		logger:         logger,
		workers:        workers,
		defaultTimeout: cfg.DefaultTimeout,
		publisher:      cfg.Publisher,
		redaction:      cfg.Redaction,
		evaluator:      expr.NewEvaluator(expr.Options{}),
		tracer:         otel.Tracer(tracerName),
	}
}

// job is one node execution handed to a worker.
type job struct {
	node      int
	inputs    runtime.Inputs
	iteration int
}

// outcome is a worker's report back to the coordinator.
type outcome struct {
	node      int
	output    any
	err       error
	verdict   domain.Verdict
	attempts  int
	duration  time.Duration
	iteration int
}

// Run executes plan under constitution and returns the final state. It never
// returns nil; failures, rejections and cancellation are reported in the
// state.
func (r *Runner) Run(ctx context.Context, plan *Plan, constitution *policy.Constitution, opts RunOptions) *domain.ExecutionState {
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "graph.run", trace.WithAttributes(
		attribute.String("run.id", opts.RunID),
		attribute.String("graph.id", plan.Graph().ID),
		attribute.Int("graph.nodes", plan.Len()),
	))
	defer span.End()

	rs := newRunState(plan, opts.RunID, opts.Input, started)
	rs.metadata = opts.Metadata
	logger := r.logger.With("run_id", opts.RunID, "graph_id", plan.Graph().ID)
	logger.Info("run started", "nodes", plan.Len())
	r.publish(ctx, events.Event{Type: events.RunStarted, RunID: opts.RunID, GraphID: plan.Graph().ID})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	work := make(chan job)
	results := make(chan outcome, r.workers)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range work {
				results <- r.execute(runCtx, plan, constitution, opts, j)
			}
		}()
	}

	inFlight := 0
	for !rs.done() {
		next, hasNext := rs.nextReady()
		if !hasNext && inFlight == 0 {
			if rs.quiesce() {
				continue
			}
			break
		}

		var (
			sendCh  chan<- job
			pending job
		)
		if hasNext {
			sendCh = work
			pending = job{node: next, inputs: rs.inputs(next), iteration: rs.nodes[next].executions + 1}
		}

		select {
		case sendCh <- pending:
			rs.nodes[next].status = domain.NodeRunning
			inFlight++
		case res := <-results:
			inFlight--
			if ctx.Err() != nil {
				r.discard(rs, res)
				rs.halt(-1, domain.KindCancelled, ctx.Err().Error())
			} else {
				r.commit(ctx, logger, rs, res)
			}
		case <-ctx.Done():
			rs.halt(-1, domain.KindCancelled, ctx.Err().Error())
		}
	}

	cancelRun()
	close(work)
	wg.Wait()
	for ; inFlight > 0; inFlight-- {
		r.discard(rs, <-results)
	}

	state := rs.finish(time.Now())
	duration := state.FinishedAt.Sub(started)

	span.SetAttributes(attribute.String("run.status", string(state.Status)))
	switch state.Status {
	case domain.RunCompleted:
		span.SetStatus(codes.Ok, "")
	case domain.RunRejected:
		span.SetStatus(codes.Error, "rejected by constitution")
	default:
		span.SetStatus(codes.Error, state.Reason)
	}
	telemetry.RecordRun(ctx, plan.Graph().ID, string(state.Status), duration)

	logger.Info("run finished", "status", state.Status, "reason", state.Reason, "duration_ms", duration.Milliseconds())
	r.publish(context.WithoutCancel(ctx), events.Event{
		Type:    events.RunFinished,
		RunID:   opts.RunID,
		GraphID: plan.Graph().ID,
		Status:  string(state.Status),
		Reason:  state.Reason,
	})
	return state
}

// discard records an in-flight node whose result arrived after the run
// stopped. Its output, rewritten or not, is dropped.
func (r *Runner) discard(rs *runState, res outcome) {
	n := &rs.nodes[res.node]
	n.status = domain.NodeFailed
	n.executions++
	n.attempts = res.attempts
	n.duration = res.duration
	n.output = nil
	n.verdict = nil
	n.err = &domain.NodeError{Kind: domain.KindCancelled, Detail: "run stopped before the node finished"}
	rs.exec.Order = append(rs.exec.Order, rs.plan.Node(res.node).ID)
}

// commit applies a worker outcome to the run. Only the coordinator calls it.
func (r *Runner) commit(ctx context.Context, logger *slog.Logger, rs *runState, res outcome) {
	v := res.node
	node := rs.plan.Node(v)
	n := &rs.nodes[v]
	n.executions++
	n.attempts = res.attempts
	n.duration = res.duration
	n.epoch = rs.epoch
	rs.exec.Order = append(rs.exec.Order, node.ID)

	defer func() {
		rs.record(v)
		r.publish(ctx, events.Event{
			Type:      events.NodeFinished,
			RunID:     rs.exec.RunID,
			GraphID:   rs.exec.GraphID,
			NodeID:    node.ID,
			Status:    string(n.status),
			Iteration: res.iteration,
			RuleID:    ruleIDOf(n.verdict),
		})
	}()

	if res.err != nil {
		n.status = domain.NodeFailed
		n.err = domain.AsNodeError(res.err)
		n.verdict = nil
		if node.IsCritical() {
			logger.Warn("critical node failed; halting run", "node_id", node.ID, "kind", n.err.Kind, "error", n.err.Detail)
			rs.halt(v, n.err.Kind, n.err.Detail)
			return
		}
		logger.Info("non-critical node failed", "node_id", node.ID, "kind", n.err.Kind, "error", n.err.Detail)
		n.output = domain.FailedOutput(n.err)
		r.advance(ctx, logger, rs, v)
		return
	}

	verdict := res.verdict
	n.verdict = &verdict
	n.err = nil
	if !verdict.Permits() {
		n.status = domain.NodeRejected
		n.output = nil
		logger.Warn("output rejected by constitution", "node_id", node.ID, "rule_id", verdict.RuleID, "reason", verdict.Reason)
		rs.reject(v, verdict)
		return
	}

	n.status = domain.NodeSucceeded
	n.output = verdict.Output
	if verdict.Decision == domain.DecisionRewritten {
		logger.Debug("output rewritten", "node_id", node.ID, "rules", verdict.Rewrites)
	}
	r.advance(ctx, logger, rs, v)
}

// advance evaluates the outgoing edges of a settled node, propagates dead
// paths and handles fired back edges.
func (r *Runner) advance(ctx context.Context, logger *slog.Logger, rs *runState, v int) {
	node := rs.plan.Node(v)
	var backFired []int
	for _, e := range rs.plan.outEdges[v] {
		edge := &rs.plan.edges[e]
		fire := r.fires(ctx, logger, rs, v, e)
		if edge.back {
			if fire {
				backFired = append(backFired, e)
			}
			continue
		}
		if fire {
			rs.resolveFired(e)
		} else {
			rs.resolveUnfired(e)
		}
	}
	rs.skipUnreachable()

	for _, e := range backFired {
		head := rs.plan.edges[e].to
		headNode := rs.plan.Node(head)
		hn := &rs.nodes[head]
		if hn.status != domain.NodeSucceeded {
			continue
		}
		if hn.executions >= headNode.Loop.MaxIterations {
			hn.status = domain.NodeFailed
			hn.err = &domain.NodeError{
				Kind:   domain.KindIterationCapExceeded,
				Detail: fmt.Sprintf("loop re-entered from %s after %d iterations", node.ID, hn.executions),
			}
			logger.Warn("loop iteration cap reached", "node_id", headNode.ID, "max_iterations", headNode.Loop.MaxIterations)
			if headNode.IsCritical() {
				rs.record(head)
				rs.halt(head, domain.KindIterationCapExceeded, hn.err.Detail)
				return
			}
			hn.output = domain.FailedOutput(hn.err)
			rs.record(head)
			r.reviseExits(ctx, logger, rs, head)
			continue
		}
		logger.Debug("loop re-entered", "node_id", headNode.ID, "from", node.ID, "iteration", hn.executions+1)
		rs.restartLoop(e)
	}
}

// reviseExits re-evaluates the held loop exits of v after its output changed.
func (r *Runner) reviseExits(ctx context.Context, logger *slog.Logger, rs *runState, v int) {
	for _, e := range rs.plan.outEdges[v] {
		if state := rs.edges[e]; state != edgeExitFired && state != edgeDeferred {
			continue
		}
		if r.fires(ctx, logger, rs, v, e) {
			rs.resolveFired(e)
		} else {
			rs.resolveUnfired(e)
		}
	}
}

// fires evaluates an edge against the source node's committed output. An
// edge whose condition cannot be evaluated does not fire.
func (r *Runner) fires(ctx context.Context, logger *slog.Logger, rs *runState, v, e int) bool {
	condition := rs.plan.edges[e].condition
	if condition == nil {
		return true
	}
	node := rs.plan.Node(v)
	scope := expr.Scope{
		Output:    rs.nodes[v].output,
		NodeID:    node.ID,
		NodeKind:  node.Kind,
		Iteration: rs.nodes[v].executions,
		Metadata:  rs.metadata,
	}
	ok, err := r.evaluator.Run(ctx, condition, scope.Lookup)
	if err != nil {
		logger.Warn("edge condition failed to evaluate; edge not taken",
			"edge", edgeLabel(rs.plan.Graph().Edges[e]),
			"condition", condition.String(),
			"error", err,
		)
		return false
	}
	return ok
}

// execute runs on a worker: it invokes the node with retries, then checks a
// successful output against the constitution.
func (r *Runner) execute(ctx context.Context, plan *Plan, constitution *policy.Constitution, opts RunOptions, j job) outcome {
	node := plan.Node(j.node)
	_, info, _ := r.executor.registry.Resolve(node.Kind)
	version := info.Version
	if version == "" {
		version = "unspecified"
	}

	ctx, span := r.tracer.Start(ctx, "graph.node")
	defer span.End()
	if span.IsRecording() {
		span.SetAttributes(telemetry.RedactAttributes(r.redaction, []attribute.KeyValue{
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", info.Kind),
			attribute.String("node.version", version),
			attribute.Int("node.iteration", j.iteration),
			attribute.Bool("node.in_loop", plan.InLoop(j.node)),
			attribute.String("agent.role", opts.Metadata["role"]),
		})...)
	}

	ctx = runtime.WithRunID(ctx, opts.RunID)
	ctx = runtime.WithIteration(ctx, j.iteration)
	ctx = runtime.WithMetadata(ctx, opts.Metadata)

	timeout := r.executor.ResolveTimeout(plan.Graph(), node, r.defaultTimeout)
	retryPolicy := buildRetryPolicy(plan.Graph(), node)

	maxRetries := 0
	if retryPolicy != nil {
		maxRetries = retryPolicy.Config().MaxRetries
	}

	start := time.Now()
	var output any
	attempts, err := retryPolicy.Do(ctx, func(ctx context.Context, attempt int) error {
		out, execErr := r.executor.Execute(ctx, node, j.inputs, timeout)
		if execErr != nil {
			if attempt < maxRetries {
				r.logger.Debug("node attempt failed", "run_id", opts.RunID, "node_id", node.ID, "attempt", attempt+1, "error", execErr)
			}
			return execErr
		}
		output = out
		return nil
	})
	res := outcome{node: j.node, err: err, attempts: attempts, iteration: j.iteration}

	if err == nil && constitution == nil {
		res.verdict = domain.Allowed(output)
	} else if err == nil {
		verdict, verr := constitution.Evaluate(ctx, policy.Subject{
			Node:      node,
			Output:    output,
			Iteration: j.iteration,
			Metadata:  opts.Metadata,
		})
		if verr != nil {
			verdict = failClosed(verr)
			if ctx.Err() != nil {
				res.err = cancelledError(node.ID, ctx.Err())
			}
		}
		res.verdict = verdict
		if res.err == nil {
			telemetry.RecordVerdict(ctx, info.Kind, string(verdict.Decision), verdict.RuleID)
			telemetry.RecordVerdictEvent(span, string(verdict.Decision), verdict.RuleID, verdict.Reason, len(verdict.Matches))
		}
	}
	res.duration = time.Since(start)

	nodeOutcome := nodeOutcomeOf(res)
	span.SetAttributes(
		attribute.String("node.outcome", nodeOutcome),
		attribute.Int64("node.duration_ms", res.duration.Milliseconds()),
		attribute.Int("node.retry.count", attempts-1),
	)
	if timeout > 0 {
		span.SetAttributes(attribute.Int64("node.timeout_ms", timeout.Milliseconds()))
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}

	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		GraphID:     plan.Graph().ID,
		NodeID:      node.ID,
		NodeKind:    info.Kind,
		NodeVersion: version,
		Outcome:     nodeOutcome,
		Duration:    res.duration,
		Retries:     attempts - 1,
	})
	return res
}

// failClosed turns a rule evaluation error into a denial.
func failClosed(err error) domain.Verdict {
	ruleID := ""
	var ruleErr *policy.RuleError
	if errors.As(err, &ruleErr) {
		ruleID = ruleErr.RuleID
		err = ruleErr.Err
	}
	return domain.Denied(ruleID, "predicate error: "+err.Error())
}

func nodeOutcomeOf(res outcome) string {
	if res.err != nil {
		switch domain.KindOf(res.err) {
		case domain.KindTimeout:
			return telemetry.OutcomeTimeout
		case domain.KindCancelled:
			return telemetry.OutcomeCancelled
		default:
			return telemetry.OutcomeFailed
		}
	}
	if !res.verdict.Permits() {
		return telemetry.OutcomeRejected
	}
	return telemetry.OutcomeSucceeded
}

func ruleIDOf(v *domain.Verdict) string {
	if v == nil {
		return ""
	}
	return v.RuleID
}

func (r *Runner) publish(ctx context.Context, event events.Event) {
	if r.publisher == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish run event", "run_id", event.RunID, "type", event.Type, "error", err)
	}
}
