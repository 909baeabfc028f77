package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
	"github.com/polisai/agentlayer/pkg/events"
	"github.com/polisai/agentlayer/pkg/policy"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, quietLogger())
	return r
}

func mustCompile(t testing.TB, graph *domain.Graph, registry *Registry) *Plan {
	t.Helper()
	plan, err := Compile(graph, registry)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return plan
}

func mustRules(t testing.TB, c *domain.Constitution) *policy.Constitution {
	t.Helper()
	compiled, err := policy.Compile(context.Background(), c, policy.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("policy.Compile() error = %v", err)
	}
	return compiled
}

func runGraph(t testing.TB, registry *Registry, graph *domain.Graph, rules *policy.Constitution, input any) *domain.ExecutionState {
	t.Helper()
	runner := NewRunner(RunnerConfig{Registry: registry, Logger: quietLogger()})
	return runner.Run(context.Background(), mustCompile(t, graph, registry), rules, RunOptions{RunID: "run-test", Input: input})
}

func nodeState(t testing.TB, state *domain.ExecutionState, id string) *domain.NodeState {
	t.Helper()
	ns, ok := state.Nodes[id]
	if !ok {
		t.Fatalf("node %q missing from state", id)
	}
	return ns
}

func boolPtr(v bool) *bool { return &v }

// recordingBehavior stores the inputs of every call.
type recordingBehavior struct {
	mu     sync.Mutex
	inputs []runtime.Inputs
}

func (b *recordingBehavior) Execute(_ context.Context, _ *domain.Node, inputs runtime.Inputs) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make(runtime.Inputs, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	b.inputs = append(b.inputs, copied)
	return "recorded", nil
}

func (b *recordingBehavior) calls() []runtime.Inputs {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]runtime.Inputs(nil), b.inputs...)
}

// iterationBehavior returns the node's 1-based execution count.
func iterationBehavior(ctx context.Context, _ *domain.Node, _ runtime.Inputs) (any, error) {
	return float64(runtime.IterationFrom(ctx)), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
