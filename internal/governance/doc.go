// Package governance holds the runtime safety controls shared by the engine and
// the HTTP boundary: retry policies with backoff for node executions and token
// bucket rate limiting for API callers.
package governance
