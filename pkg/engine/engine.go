package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/events"
	"github.com/polisai/agentlayer/pkg/policy"
	"github.com/polisai/agentlayer/pkg/storage"
	"github.com/polisai/agentlayer/pkg/telemetry"
)

// Config wires an Engine.
type Config struct {
	Registry       *Registry
	Logger         *slog.Logger
	Workers        int
	DefaultTimeout time.Duration
	// MaxConcurrentRuns bounds runs in progress. Zero means unbounded.
	MaxConcurrentRuns int
	Publisher         events.Publisher
	// Store records finished runs. Nil disables history.
	Store     storage.RunStore
	Redaction *telemetry.RedactionPolicy
	Policy    policy.Options
}

// Engine validates graphs, compiles constitutions and runs them.
type Engine struct {
	registry *Registry
	runner   *Runner
	sem      *semaphore.Weighted
	store    storage.RunStore
	logger   *slog.Logger
	policy   policy.Options
}

// Request is one run submission.
type Request struct {
	RunID string
	Graph *domain.Graph
	// Constitution is compiled for this run. When nil, Rules is used as is.
	Constitution *domain.Constitution
	Rules        *policy.Constitution
	Input        any
	Metadata     map[string]string
}

// New creates an Engine. A nil registry gets the built-in behaviors.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
		RegisterBuiltins(registry, logger)
	}
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentRuns > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}
	opts := cfg.Policy
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Engine{
		registry: registry,
		runner: NewRunner(RunnerConfig{
			Registry:       registry,
			Logger:         logger,
			Workers:        cfg.Workers,
			DefaultTimeout: cfg.DefaultTimeout,
			Publisher:      cfg.Publisher,
			Redaction:      cfg.Redaction,
		}),
		sem:    sem,
		store:  cfg.Store,
		logger: logger,
		policy: opts,
	}
}

// Registry returns the behavior registry runs dispatch through.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Validate checks a graph and, when given, a constitution without running
// anything.
func (e *Engine) Validate(ctx context.Context, graph *domain.Graph, constitution *domain.Constitution) error {
	if _, err := Compile(graph, e.registry); err != nil {
		return err
	}
	if constitution != nil {
		if _, err := policy.Compile(ctx, constitution, e.policy); err != nil {
			return err
		}
	}
	return nil
}

// Execute validates the request, runs it to the end and records the result.
// Validation and constitution errors are returned before any node runs;
// everything after that is reported in the returned state.
func (e *Engine) Execute(ctx context.Context, req Request) (*domain.ExecutionState, error) {
	plan, err := Compile(req.Graph, e.registry)
	if err != nil {
		return nil, err
	}
	rules := req.Rules
	if req.Constitution != nil {
		rules, err = policy.Compile(ctx, req.Constitution, e.policy)
		if err != nil {
			return nil, err
		}
	}
	return e.Run(ctx, plan, rules, RunOptions{RunID: req.RunID, Input: req.Input, Metadata: req.Metadata})
}

// Run executes an already compiled plan. It waits for a run slot when
// MaxConcurrentRuns is set.
func (e *Engine) Run(ctx context.Context, plan *Plan, rules *policy.Constitution, opts RunOptions) (*domain.ExecutionState, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for a run slot: %w", err)
		}
		defer e.sem.Release(1)
	}

	state := e.runner.Run(ctx, plan, rules, opts)
	if e.store != nil {
		if err := e.store.Save(context.WithoutCancel(ctx), state); err != nil {
			e.logger.Warn("failed to record run", "run_id", state.RunID, "error", err)
		}
	}
	return state, nil
}
