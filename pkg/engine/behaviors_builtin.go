package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"text/template"
	"time"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

// RegisterBuiltins installs the behaviors every deployment ships with.
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.Register("passthrough", "v1", &PassthroughBehavior{logger: logger}, "passthrough", "identity")
	r.Register("constant", "v1", &ConstantBehavior{}, "constant", "static")
	r.Register("template", "v1", &TemplateBehavior{}, "template", "prompt")
	r.Register("fail", "v1", &FailBehavior{logger: logger}, "fail", "terminal.error")
	r.Register("delay", "v1", &DelayBehavior{}, "delay", "sleep")
	r.Register("http", "v1", NewHTTPBehavior(nil, logger), "http", "agent.http")
}

// PassthroughBehavior returns its single input verbatim, or all inputs keyed
// by predecessor id when there are several.
type PassthroughBehavior struct {
	logger *slog.Logger
}

// Execute implements runtime.Behavior.
func (b *PassthroughBehavior) Execute(_ context.Context, node *domain.Node, inputs runtime.Inputs) (any, error) {
	if b.logger != nil {
		b.logger.Debug("passthrough node executed", "node_id", node.ID, "inputs", len(inputs))
	}
	return passInputs(inputs), nil
}

func passInputs(inputs runtime.Inputs) any {
	if single, ok := inputs.Single(); ok {
		return single
	}
	out := make(map[string]any, len(inputs))
	maps.Copy(out, inputs)
	return out
}

// ConstantBehavior returns config.value.
type ConstantBehavior struct{}

// Execute implements runtime.Behavior.
func (ConstantBehavior) Execute(_ context.Context, node *domain.Node, _ runtime.Inputs) (any, error) {
	value, ok := node.Config["value"]
	if !ok {
		return nil, fmt.Errorf("constant node %s: config.value is required", node.ID)
	}
	return value, nil
}

// TemplateBehavior renders config.template with text/template. The template
// sees .Input (the single input, if any), .Inputs, .Config and .Iteration.
type TemplateBehavior struct{}

// Execute implements runtime.Behavior.
func (TemplateBehavior) Execute(ctx context.Context, node *domain.Node, inputs runtime.Inputs) (any, error) {
	raw, _ := node.Config["template"].(string)
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("template node %s: config.template is required", node.ID)
	}
	tmpl, err := template.New(node.ID).Option("missingkey=zero").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("template node %s: parse: %w", node.ID, err)
	}

	single, _ := inputs.Single()
	data := map[string]any{
		"Input":     single,
		"Inputs":    map[string]any(inputs),
		"Config":    node.Config,
		"Iteration": runtime.IterationFrom(ctx),
		"Metadata":  runtime.MetadataFrom(ctx),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template node %s: render: %w", node.ID, err)
	}
	return buf.String(), nil
}

// FailBehavior always returns an error carrying config.message.
type FailBehavior struct {
	logger *slog.Logger
}

// Execute implements runtime.Behavior.
func (b *FailBehavior) Execute(_ context.Context, node *domain.Node, _ runtime.Inputs) (any, error) {
	message := strings.TrimSpace(fmt.Sprint(node.Config["message"]))
	if message == "" || message == "<nil>" {
		message = "fail node reached"
	}
	if b.logger != nil {
		b.logger.Info("fail node executed", "node_id", node.ID)
	}
	return nil, errors.New(message)
}

// DelayBehavior waits config.duration_ms, then behaves like passthrough.
type DelayBehavior struct{}

// Execute implements runtime.Behavior.
func (DelayBehavior) Execute(ctx context.Context, node *domain.Node, inputs runtime.Inputs) (any, error) {
	ms, _ := convertToInt(node.Config["duration_ms"])
	if ms > 0 {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return passInputs(inputs), nil
}
