package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/polisai/agentlayer/internal/governance"
	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

// NodeExecutor invokes a single node behavior under a deadline. It performs no
// retries and never touches run state.
type NodeExecutor struct {
	registry *Registry
	logger   *slog.Logger
}

type timeoutCandidate struct {
	source string
	ms     int
}

// NewNodeExecutor creates an executor resolving behaviors from registry.
func NewNodeExecutor(registry *Registry, logger *slog.Logger) *NodeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeExecutor{registry: registry, logger: logger}
}

type behaviorResult struct {
	output any
	err    error
}

// Execute runs the node's behavior with inputs. Failures are returned as
// *domain.ExecutionError: MissingDependency when a depends_on output is absent,
// Timeout when the deadline passes (even if the behavior ignores ctx),
// Cancelled when ctx ends, and BehaviorFailed for behavior errors and panics.
func (e *NodeExecutor) Execute(ctx context.Context, node *domain.Node, inputs runtime.Inputs, timeout time.Duration) (any, error) {
	behavior, _, ok := e.registry.Resolve(node.Kind)
	if !ok {
		return nil, &domain.ExecutionError{
			Kind:   domain.KindBehaviorFailed,
			NodeID: node.ID,
			Detail: fmt.Sprintf("no behavior registered for kind %q", node.Kind),
		}
	}

	for _, dep := range node.DependsOn {
		if _, present := inputs[dep]; !present {
			return nil, &domain.ExecutionError{
				Kind:   domain.KindMissingDependency,
				NodeID: node.ID,
				Detail: fmt.Sprintf("output of %q is not available", dep),
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelledError(node.ID, err)
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	results := make(chan behaviorResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				results <- behaviorResult{err: fmt.Errorf("behavior panicked: %v", recovered)}
			}
		}()
		output, err := behavior.Execute(execCtx, node, inputs)
		results <- behaviorResult{output: output, err: err}
	}()

	select {
	case res := <-results:
		if res.err == nil {
			return res.output, nil
		}
		if ctx.Err() != nil {
			return nil, cancelledError(node.ID, ctx.Err())
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(node.ID, timeout)
		}
		return nil, &domain.ExecutionError{
			Kind:   domain.KindBehaviorFailed,
			NodeID: node.ID,
			Detail: res.err.Error(),
			Err:    res.err,
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, cancelledError(node.ID, ctx.Err())
		}
		e.logger.Warn("node exceeded its deadline", "node_id", node.ID, "timeout_ms", timeout.Milliseconds())
		return nil, timeoutError(node.ID, timeout)
	}
}

func cancelledError(nodeID string, cause error) *domain.ExecutionError {
	return &domain.ExecutionError{Kind: domain.KindCancelled, NodeID: nodeID, Detail: cause.Error(), Err: cause}
}

func timeoutError(nodeID string, timeout time.Duration) *domain.ExecutionError {
	return &domain.ExecutionError{
		Kind:   domain.KindTimeout,
		NodeID: nodeID,
		Detail: fmt.Sprintf("exceeded %s timeout", timeout),
		Err:    context.DeadlineExceeded,
	}
}

// ResolveTimeout picks the smallest positive timeout among the node, its
// config, the graph defaults and fallback. Zero means no deadline.
func (e *NodeExecutor) ResolveTimeout(graph *domain.Graph, node *domain.Node, fallback time.Duration) time.Duration {
	var candidates []timeoutCandidate
	if graph != nil && graph.Defaults.TimeoutMS > 0 {
		candidates = append(candidates, timeoutCandidate{source: "graph.defaults.timeout_ms", ms: graph.Defaults.TimeoutMS})
	}
	if node.TimeoutMS > 0 {
		candidates = append(candidates, timeoutCandidate{source: fmt.Sprintf("node.%s.timeout_ms", node.ID), ms: node.TimeoutMS})
	}
	if cfgTimeout, cfgSource := timeoutFromConfig(node.Config); cfgTimeout > 0 {
		candidates = append(candidates, timeoutCandidate{source: cfgSource, ms: cfgTimeout})
	}
	if fallback > 0 {
		candidates = append(candidates, timeoutCandidate{source: "engine.default_timeout_ms", ms: int(fallback / time.Millisecond)})
	}

	deadline, sources := pickTimeout(candidates)
	if len(sources) > 1 {
		unique := make(map[int][]string)
		for _, candidate := range sources {
			unique[candidate.ms] = append(unique[candidate.ms], candidate.source)
		}
		if len(unique) > 1 && deadline > 0 {
			described := make([]string, 0, len(sources))
			for value, list := range unique {
				described = append(described, fmt.Sprintf("%dms<- %s", value, strings.Join(list, ",")))
			}
			e.logger.Debug("multiple timeout values detected; using smallest",
				"node_id", node.ID,
				"selected_timeout_ms", int(deadline/time.Millisecond),
				"sources", described,
			)
		}
	}
	return deadline
}

func timeoutFromConfig(config map[string]any) (int, string) {
	if config == nil {
		return 0, ""
	}
	for _, key := range []string{"timeout_ms", "timeoutMs"} {
		if value, ok := config[key]; ok {
			if ms, ok := convertToInt(value); ok && ms > 0 {
				return ms, "node.config." + key
			}
		}
	}
	return 0, ""
}

func pickTimeout(candidates []timeoutCandidate) (time.Duration, []timeoutCandidate) {
	if len(candidates) == 0 {
		return 0, nil
	}

	shortest := 0
	for _, candidate := range candidates {
		if candidate.ms > 0 && (shortest == 0 || candidate.ms < shortest) {
			shortest = candidate.ms
		}
	}

	if shortest <= 0 {
		return 0, candidates
	}

	return time.Duration(shortest) * time.Millisecond, candidates
}

func convertToInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		if bits.UintSize == 32 && (v > int64(math.MaxInt32) || v < int64(math.MinInt32)) {
			return 0, false
		}
		return int(v), true
	case uint:
		if bits.UintSize == 32 && v > uint(math.MaxInt32) {
			return 0, false
		}
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		if bits.UintSize == 32 && v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	case uint64:
		if v > uint64(math.MaxInt) {
			return 0, false
		}
		return int(v), true
	case float64:
		if v > float64(math.MaxInt) || v < float64(math.MinInt) {
			return 0, false
		}
		return int(v), true
	case float32:
		if v > float32(math.MaxInt) || v < float32(math.MinInt) {
			return 0, false
		}
		return int(v), true
	case string:
		if v == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// buildRetryPolicy merges the graph default and node retry settings. It
// returns nil when the node gets a single attempt.
func buildRetryPolicy(graph *domain.Graph, node *domain.Node) *governance.RetryPolicy {
	cfg := governance.DefaultRetryConfig()
	configured := false

	if graph != nil && graph.Defaults.Retries.MaxAttempts > 1 {
		cfg = applyRetrySpec(cfg, graph.Defaults.Retries)
		configured = true
	}

	if node.Retries != nil {
		cfg = applyRetrySpec(cfg, *node.Retries)
		configured = true
	}

	if !configured || cfg.MaxRetries <= 0 {
		return nil
	}

	return governance.NewRetryPolicy(cfg, retryableExecution)
}

func applyRetrySpec(cfg governance.RetryConfig, spec domain.RetryConfig) governance.RetryConfig {
	if spec.MaxAttempts > 0 {
		cfg.MaxRetries = spec.MaxAttempts - 1
	}
	if spec.BaseMS > 0 {
		cfg.InitialBackoff = time.Duration(spec.BaseMS) * time.Millisecond
	}
	if spec.MaxMS > 0 {
		cfg.MaxBackoff = time.Duration(spec.MaxMS) * time.Millisecond
	}
	if spec.Backoff != "" {
		switch strings.ToLower(spec.Backoff) {
		case "fixed", "linear":
			cfg.BackoffMultiplier = 1.0
		default:
			cfg.BackoffMultiplier = 2.0
		}
	}
	cfg.Jitter = true
	return cfg
}

// retryableExecution retries behavior failures and timeouts only.
func retryableExecution(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindBehaviorFailed, domain.KindTimeout:
		return true
	default:
		return false
	}
}
