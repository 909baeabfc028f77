// Package events publishes run lifecycle events (run started, node finished,
// run finished) to observers such as the log or an MQTT broker.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Type names an event.
type Type string

const (
	RunStarted   Type = "run.started"
	NodeFinished Type = "node.finished"
	RunFinished  Type = "run.finished"
)

// Event describes one step of a run. It never carries node outputs.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogPublisher logs events at level. A nil logger uses slog.Default.
func NewLogPublisher(logger *slog.Logger, level slog.Level) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger, level: level}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("run_id", event.RunID),
	}
	if event.GraphID != "" {
		attrs = append(attrs, slog.String("graph_id", event.GraphID))
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID), slog.Int("iteration", event.Iteration))
	}
	if event.Status != "" {
		attrs = append(attrs, slog.String("status", event.Status))
	}
	if event.RuleID != "" {
		attrs = append(attrs, slog.String("rule_id", event.RuleID))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	p.logger.LogAttrs(ctx, p.level, "run event", attrs...)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error {
	return nil
}

// Multi fans events out to several publishers. Every publisher is tried; the
// errors are joined.
type Multi []Publisher

// NewMulti drops nil publishers.
func NewMulti(publishers ...Publisher) Multi {
	out := make(Multi, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
