// Package domain defines the core types of the agent graph engine: graphs,
// nodes and edges, constitutions and their rules, verdicts, and the per-run
// execution state.
//
// This package has ZERO external dependencies outside the Go standard library.
// Every other package (engine, policy, server, storage) depends on these types,
// never the other way around:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Graphs and constitutions are plain data. They are validated and compiled by
// the engine and policy packages into immutable plans that can be shared by
// concurrent runs; ExecutionState is owned by exactly one run.
package domain
