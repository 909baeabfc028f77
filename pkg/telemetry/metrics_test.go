package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, ctx context.Context, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordNodeMetrics(t *testing.T) {
	ctx := context.Background()
	reader := installReader(t)

	RecordNodeMetrics(ctx, NodeMetrics{
		GraphID:     "graph-123",
		NodeID:      "node-1",
		NodeKind:    "template",
		NodeVersion: "v1",
		Outcome:     OutcomeTimeout,
		Duration:    150 * time.Millisecond,
		Retries:     1,
	})

	metrics := collectMetrics(t, ctx, reader)

	sumExec, ok := metrics["agentlayer.node.executions_total"]
	if !ok {
		t.Fatalf("missing agentlayer.node.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("node.kind")); !ok || value.AsString() != "template" {
		t.Fatalf("expected node.kind attribute to be template, got %v", value)
	}

	retryData := metrics["agentlayer.node.retries_total"].Data.(metricdata.Sum[int64])
	if retryData.DataPoints[0].Value != 1 {
		t.Fatalf("expected retry count 1, got %d", retryData.DataPoints[0].Value)
	}

	timeoutData := metrics["agentlayer.node.timeouts_total"].Data.(metricdata.Sum[int64])
	if timeoutData.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeoutData.DataPoints[0].Value)
	}

	hist, ok := metrics["agentlayer.node.duration_ms"]
	if !ok {
		t.Fatalf("missing agentlayer.node.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordVerdictAndRun(t *testing.T) {
	ctx := context.Background()
	reader := installReader(t)

	RecordVerdict(ctx, "template", "denied", "no-secrets")
	RecordVerdict(ctx, "template", "denied", "no-secrets")
	RecordRun(ctx, "graph-1", "rejected", 20*time.Millisecond)

	metrics := collectMetrics(t, ctx, reader)

	verdicts, ok := metrics["agentlayer.rule.verdicts_total"]
	if !ok {
		t.Fatalf("missing agentlayer.rule.verdicts_total metric")
	}
	verdictData := verdicts.Data.(metricdata.Sum[int64])
	if len(verdictData.DataPoints) != 1 || verdictData.DataPoints[0].Value != 2 {
		t.Fatalf("expected a single datapoint with value 2, got %+v", verdictData.DataPoints)
	}
	if value, ok := verdictData.DataPoints[0].Attributes.Value(attribute.Key("rule.id")); !ok || value.AsString() != "no-secrets" {
		t.Fatalf("expected rule.id no-secrets, got %v", value)
	}

	runs := metrics["agentlayer.run.total"].Data.(metricdata.Sum[int64])
	if value, ok := runs.DataPoints[0].Attributes.Value(attribute.Key("run.status")); !ok || value.AsString() != "rejected" {
		t.Fatalf("expected run.status rejected, got %v", value)
	}
}

func TestRecordVerdictEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "graph.node")
	RecordVerdictEvent(span, "denied", "no-secrets", "mentions a secret", 2)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 verdict event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "constitution.verdict" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("verdict.decision")); !ok || value.AsString() != "denied" {
		t.Fatalf("expected decision denied, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("verdict.rule_id")); !ok || value.AsString() != "no-secrets" {
		t.Fatalf("expected rule_id no-secrets, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("verdict.matches.count")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected matches count 2, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
