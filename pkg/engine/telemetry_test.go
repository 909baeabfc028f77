package engine

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/telemetry"
)

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return recorder, func() {
		otel.SetTracerProvider(prevTracer)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	}
}

func setupTestMeter(t *testing.T) (*sdkmetric.ManualReader, func()) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prevMeter := otel.GetMeterProvider()
	otel.SetMeterProvider(meterProvider)
	return reader, func() {
		otel.SetMeterProvider(prevMeter)
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	}
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRunEmitsTelemetry(t *testing.T) {
	recorder, tracerCleanup := setupTestTracer(t)
	defer tracerCleanup()
	reader, meterCleanup := setupTestMeter(t)
	defer meterCleanup()
	telemetry.ResetMetricsForTest()

	registry := newTestRegistry()
	runner := NewRunner(RunnerConfig{
		Registry:  registry,
		Logger:    quietLogger(),
		Redaction: &telemetry.RedactionPolicy{Keys: map[string]string{"agent.role": telemetry.StrategyReplace}},
	})
	rules := mustRules(t, &domain.Constitution{Rules: []domain.Rule{{
		ID:        "no-secrets",
		Scope:     domain.RuleScope{Nodes: []string{"leak"}},
		Predicate: domain.Predicate{Type: domain.PredicateKeyword, Keywords: []string{"secret"}},
		Action:    domain.ActionDeny,
	}}})
	plan := mustCompile(t, &domain.Graph{
		ID: "telemetry",
		Nodes: []domain.Node{
			{ID: "plan", Kind: "constant", Config: map[string]any{"value": "outline"}},
			{ID: "leak", Kind: "constant", Config: map[string]any{"value": "the secret"}},
		},
		Edges: []domain.Edge{{From: "plan", To: "leak"}},
	}, registry)

	state := runner.Run(context.Background(), plan, rules, RunOptions{
		RunID:    "telemetry-run",
		Metadata: map[string]string{"role": "writer"},
	})
	if state.Status != domain.RunRejected {
		t.Fatalf("status = %s, want rejected", state.Status)
	}

	var runSpan sdktrace.ReadOnlySpan
	nodeSpans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "graph.run":
			runSpan = span
		case "graph.node":
			id, _ := spanAttr(span, "node.id")
			nodeSpans[id.AsString()] = span
		}
	}
	if runSpan == nil {
		t.Fatalf("expected graph.run span")
	}
	if v, _ := spanAttr(runSpan, "run.status"); v.AsString() != string(domain.RunRejected) {
		t.Fatalf("run.status = %q", v.AsString())
	}
	if len(nodeSpans) != 2 {
		t.Fatalf("expected 2 node spans, got %d", len(nodeSpans))
	}

	leak := nodeSpans["leak"]
	if v, _ := spanAttr(leak, "node.outcome"); v.AsString() != telemetry.OutcomeRejected {
		t.Fatalf("leak outcome = %q", v.AsString())
	}
	if v, _ := spanAttr(leak, "agent.role"); v.AsString() != "[REDACTED]" {
		t.Fatalf("agent.role not redacted: %q", v.AsString())
	}
	if leak.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Fatalf("node span is not a child of the run span")
	}
	foundVerdict := false
	for _, ev := range leak.Events() {
		if ev.Name == "constitution.verdict" {
			foundVerdict = true
		}
	}
	if !foundVerdict {
		t.Fatalf("verdict event missing from node span: %+v", leak.Events())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	seen := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			seen[m.Name] = true
		}
	}
	for _, name := range []string{"agentlayer.node.executions_total", "agentlayer.rule.verdicts_total", "agentlayer.run.total"} {
		if !seen[name] {
			t.Errorf("metric %s not recorded (have %v)", name, seen)
		}
	}
}
