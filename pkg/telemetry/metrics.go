package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Node outcomes recorded on metrics and spans.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

const meterName = "agentlayer.engine"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeRetryCounter     metric.Int64Counter
	nodeTimeoutCounter   metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
	verdictCounter       metric.Int64Counter
	runCounter           metric.Int64Counter
	runLatencyHistogram  metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record node execution metrics.
type NodeMetrics struct {
	GraphID     string
	NodeID      string
	NodeKind    string
	NodeVersion string
	Outcome     string
	Duration    time.Duration
	Retries     int
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, m NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("graph.id", m.GraphID),
		attribute.String("node.id", m.NodeID),
		attribute.String("node.kind", m.NodeKind),
		attribute.String("node.version", m.NodeVersion),
		attribute.String("node.outcome", m.Outcome),
	)

	nodeExecutionCounter.Add(ctx, 1, attrs)

	if m.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(m.Retries), attrs)
	}
	if m.Outcome == OutcomeTimeout {
		nodeTimeoutCounter.Add(ctx, 1, attrs)
	}
}

// RecordVerdict counts a constitution decision for a node kind. ruleID is
// empty for outputs no rule acted on.
func RecordVerdict(ctx context.Context, nodeKind, decision, ruleID string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	verdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node.kind", nodeKind),
		attribute.String("verdict.decision", decision),
		attribute.String("rule.id", ruleID),
	))
}

// RecordRun counts a finished run by status and records its wall time.
func RecordRun(ctx context.Context, graphID, status string, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("graph.id", graphID),
		attribute.String("run.status", status),
	)
	runCounter.Add(ctx, 1, attrs)
	runLatencyHistogram.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"agentlayer.node.executions_total",
			metric.WithDescription("Node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"agentlayer.node.retries_total",
			metric.WithDescription("Retry attempts performed for nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"agentlayer.node.timeouts_total",
			metric.WithDescription("Node executions that exceeded their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"agentlayer.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		verdictCounter, metricsInitErr = meter.Int64Counter(
			"agentlayer.rule.verdicts_total",
			metric.WithDescription("Constitution verdicts partitioned by decision and rule"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"agentlayer.run.total",
			metric.WithDescription("Finished runs partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"agentlayer.run.duration_ms",
			metric.WithDescription("Observed run wall time"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordVerdictEvent attaches a constitution verdict to the span without the
// output it judged.
func RecordVerdictEvent(span trace.Span, decision, ruleID, reason string, matches int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("verdict.decision", decision),
		attribute.Int("verdict.matches.count", matches),
	}
	if ruleID != "" {
		attrs = append(attrs, attribute.String("verdict.rule_id", ruleID))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("verdict.reason", reason))
	}

	span.AddEvent("constitution.verdict", trace.WithAttributes(attrs...))
}
