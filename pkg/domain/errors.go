package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrValidation    = errors.New("graph validation failed")
	ErrExecution     = errors.New("node execution failed")
	ErrRunNotFound   = errors.New("run not found")
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrRunRejected   = errors.New("run rejected by constitution")
)

// ErrorKind classifies validation and execution failures.
type ErrorKind string

// Validation kinds, reported in the order the validator checks them.
const (
	KindUnknownNode      ErrorKind = "UnknownNode"
	KindDuplicateID      ErrorKind = "DuplicateId"
	KindInvalidNode      ErrorKind = "InvalidNode"
	KindCycleDetected    ErrorKind = "CycleDetected"
	KindUnknownKind      ErrorKind = "UnknownKind"
	KindInvalidCondition ErrorKind = "InvalidCondition"
	KindInvalidRule      ErrorKind = "InvalidRule"
)

// Execution kinds.
const (
	KindMissingDependency    ErrorKind = "MissingDependency"
	KindBehaviorFailed       ErrorKind = "BehaviorFailed"
	KindTimeout              ErrorKind = "Timeout"
	KindIterationCapExceeded ErrorKind = "IterationCapExceeded"
	KindCancelled            ErrorKind = "Cancelled"
)

// ValidationError reports the first structural violation found in a graph or
// constitution.
type ValidationError struct {
	Kind ErrorKind
	// NodeID is the offending node (or rule id for KindInvalidRule).
	NodeID  string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.NodeID != "" {
		fmt.Fprintf(&b, " (%s)", e.NodeID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(kind ErrorKind, nodeID, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// ExecutionError reports a node-level failure.
type ExecutionError struct {
	Kind   ErrorKind
	NodeID string
	Detail string
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("node %s: %s", e.NodeID, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is lets errors.Is(err, ErrExecution) match any ExecutionError.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// AsNodeError converts an error into its serialisable form.
func AsNodeError(err error) *NodeError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return &NodeError{Kind: execErr.Kind, Detail: execErr.Detail}
	}
	return &NodeError{Kind: KindBehaviorFailed, Detail: err.Error()}
}

// KindOf returns the classification of a validation or execution error.
func KindOf(err error) ErrorKind {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.Kind
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return ""
}

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// It avoids exposing internal details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code      string `json:"code"`                // Machine-readable error code (e.g., VALIDATION_FAILED)
	Message   string `json:"message"`             // Human-readable message (safe for logs)
	Violation string `json:"violation,omitempty"` // Validation kind, when applicable
	NodeID    string `json:"node_id,omitempty"`   // Offending node or rule id
	TraceID   string `json:"trace_id,omitempty"`  // Optional trace/correlation ID
}
