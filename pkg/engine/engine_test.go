package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/storage"
)

func greetingGraph() *domain.Graph {
	return &domain.Graph{
		ID: "greeting",
		Nodes: []domain.Node{
			{ID: "name", Kind: "passthrough"},
			{ID: "greet", Kind: "template", Config: map[string]any{"template": "hello {{.Input}}"}},
		},
		Edges: []domain.Edge{{From: "name", To: "greet"}},
	}
}

func TestEngineExecuteRecordsRun(t *testing.T) {
	store := storage.NewMemoryRunStore(0)
	e := New(Config{Logger: quietLogger(), Store: store})

	state, err := e.Execute(context.Background(), Request{Graph: greetingGraph(), Input: "ada"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if state.Status != domain.RunCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if out, _ := state.Output("greet"); out != "hello ada" {
		t.Fatalf("greet output = %v", out)
	}
	if _, err := uuid.Parse(state.RunID); err != nil {
		t.Fatalf("run id %q is not a uuid: %v", state.RunID, err)
	}

	record, err := store.Get(context.Background(), state.RunID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if record.Status != domain.RunCompleted || record.Score != storage.MaxScore {
		t.Fatalf("record = %+v", record)
	}
}

func TestEngineExecuteWithConstitution(t *testing.T) {
	e := New(Config{Logger: quietLogger()})

	state, err := e.Execute(context.Background(), Request{
		RunID: "fixed",
		Graph: greetingGraph(),
		Input: "mallory",
		Constitution: &domain.Constitution{Rules: []domain.Rule{{
			ID:        "no-mallory",
			Scope:     domain.RuleScope{Kinds: []string{"template"}},
			Predicate: domain.Predicate{Type: domain.PredicateKeyword, Keywords: []string{"mallory"}},
			Action:    domain.ActionDeny,
		}}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if state.RunID != "fixed" {
		t.Fatalf("run id = %q, want the requested one", state.RunID)
	}
	if state.Status != domain.RunRejected || state.Rejection.NodeID != "greet" {
		t.Fatalf("state = %s, rejection = %+v", state.Status, state.Rejection)
	}
	if got := nodeState(t, state, "name").Status; got != domain.NodeSucceeded {
		t.Fatalf("name status = %s; the rule is scoped to templates", got)
	}
}

func TestEngineRejectsInvalidInputBeforeRunning(t *testing.T) {
	store := storage.NewMemoryRunStore(0)
	e := New(Config{Logger: quietLogger(), Store: store})

	_, err := e.Execute(context.Background(), Request{Graph: &domain.Graph{
		Nodes: []domain.Node{{ID: "a", Kind: "teleport"}},
	}})
	if domain.KindOf(err) != domain.KindUnknownKind {
		t.Fatalf("error = %v, want UnknownKind", err)
	}

	_, err = e.Execute(context.Background(), Request{
		Graph:        greetingGraph(),
		Constitution: &domain.Constitution{Rules: []domain.Rule{{ID: "broken", Predicate: domain.Predicate{Type: domain.PredicateRegex, Pattern: "("}, Action: domain.ActionDeny}}},
	})
	if err == nil {
		t.Fatalf("invalid constitution accepted")
	}

	runs, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected submissions were recorded: %d", len(runs))
	}
}

func TestEngineValidate(t *testing.T) {
	e := New(Config{Logger: quietLogger()})
	if err := e.Validate(context.Background(), greetingGraph(), nil); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	err := e.Validate(context.Background(), greetingGraph(), &domain.Constitution{Rules: []domain.Rule{{ID: "x", Action: "explode"}}})
	if err == nil {
		t.Fatalf("unknown rule action accepted")
	}
}

func TestEngineWaitsForRunSlot(t *testing.T) {
	e := New(Config{Logger: quietLogger(), MaxConcurrentRuns: 1})
	plan := mustCompile(t, greetingGraph(), e.Registry())

	if err := e.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, plan, nil, RunOptions{})
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "run slot") {
		t.Fatalf("Run() error = %v, want a run slot timeout", err)
	}

	e.sem.Release(1)
	state, err := e.Run(context.Background(), plan, nil, RunOptions{Input: "bob"})
	if err != nil || state.Status != domain.RunCompleted {
		t.Fatalf("Run() after release = %v, %v", state, err)
	}
}

type failingStore struct{ storage.RunStore }

func (failingStore) Save(context.Context, *domain.ExecutionState) error {
	return errors.New("disk full")
}

func TestEngineStoreFailureDoesNotFailRun(t *testing.T) {
	e := New(Config{Logger: quietLogger(), Store: failingStore{}})
	state, err := e.Execute(context.Background(), Request{Graph: greetingGraph(), Input: "eve"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if state.Status != domain.RunCompleted {
		t.Fatalf("status = %s", state.Status)
	}
}
