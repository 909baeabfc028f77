// Package runtime defines the contract between the graph runner and node
// behaviors, keeping behavior logic decoupled from execution mechanics.
package runtime

import (
	"context"

	"github.com/polisai/agentlayer/pkg/domain"
)

// Inputs carries the committed outputs of a node's predecessors keyed by node
// id. Entry nodes also receive the run input under domain.RunInputKey.
type Inputs map[string]any

// Single returns the only predecessor output when exactly one is present.
func (in Inputs) Single() (any, bool) {
	if len(in) != 1 {
		return nil, false
	}
	for _, v := range in {
		return v, true
	}
	return nil, false
}

// Behavior executes the work of one node kind. Implementations must honour ctx
// cancellation and must not retain inputs after returning.
type Behavior interface {
	Execute(ctx context.Context, node *domain.Node, inputs Inputs) (any, error)
}

// BehaviorFunc adapts a plain function to the Behavior interface.
type BehaviorFunc func(ctx context.Context, node *domain.Node, inputs Inputs) (any, error)

// Execute calls f.
func (f BehaviorFunc) Execute(ctx context.Context, node *domain.Node, inputs Inputs) (any, error) {
	return f(ctx, node, inputs)
}

type contextKey int

const (
	runIDKey contextKey = iota
	iterationKey
	metadataKey
)

// WithRunID annotates ctx with the id of the run being executed.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFrom returns the run id stored by WithRunID.
func RunIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// WithIteration annotates ctx with the 1-based execution count of the node.
func WithIteration(ctx context.Context, iteration int) context.Context {
	return context.WithValue(ctx, iterationKey, iteration)
}

// IterationFrom returns the iteration stored by WithIteration, or 1.
func IterationFrom(ctx context.Context) int {
	if v, ok := ctx.Value(iterationKey).(int); ok && v > 0 {
		return v
	}
	return 1
}

// WithMetadata attaches caller metadata (for example the agent role) to ctx.
func WithMetadata(ctx context.Context, md map[string]string) context.Context {
	return context.WithValue(ctx, metadataKey, md)
}

// MetadataFrom returns the metadata stored by WithMetadata.
func MetadataFrom(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey).(map[string]string)
	return md
}
