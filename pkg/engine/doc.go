// Package engine executes agent graphs under a constitution.
//
// validate.go  - structural checks and back edge classification
// plan.go      - the immutable, indexed form of a validated graph
// registry.go  - kind (and kind@version) to behavior dispatch
// executor.go  - one node invocation with timeout, retries and panic recovery
// runner.go    - the per-run coordinator and worker pool
// runstate.go  - the coordinator's node and edge bookkeeping
// engine.go    - validate, compile and run behind one call
//
// Only a run's coordinator goroutine touches its state. Workers execute nodes
// and evaluate the constitution, then hand the verdict back; the run advances
// only on committed, permitted outputs.
package engine
