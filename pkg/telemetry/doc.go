// Package telemetry wires OpenTelemetry tracing and metrics for the graph
// engine.
//
// It centralises tracer provider setup, owns the metric instruments recorded
// per node execution, constitution verdict and run, and offers helpers that
// annotate spans with verdicts without leaking node outputs.
package telemetry
