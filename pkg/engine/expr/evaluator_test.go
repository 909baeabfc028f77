package expr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEvaluator_Evaluate(t *testing.T) {
	lookup := mapLookup(map[string]any{
		"output.score":    0.72,
		"output.status":   "done",
		"output.tags":     []any{"draft", "pii"},
		"output.flagged":  false,
		"metadata.role":   "analyst",
		"node.id":         "summarize-1",
		"iteration":       float64(2),
		"text":            "Quarterly Report: all good",
		"output.optional": nil,
	})

	eval := NewEvaluator(Options{})

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "boolean literal", expr: "true", want: true},
		{name: "numeric and string comparators", expr: `output.score >= 0.5 && output.status == "done"`, want: true},
		{name: "negation", expr: "!output.flagged", want: true},
		{name: "dashed identifiers", expr: `node.id == 'summarize-1'`, want: true},
		{name: "iteration arithmetic sign", expr: "iteration < -(-3)", want: true},
		{name: "null comparison", expr: "output.optional == null", want: true},
		{name: "contains on string", expr: `contains(lower(text), "quarterly")`, want: true},
		{name: "contains on list", expr: `contains(output.tags, "pii")`, want: true},
		{name: "startsWith", expr: `startsWith(metadata.role, "ana")`, want: true},
		{name: "endsWith negative", expr: `endsWith(text, "bad")`, want: false},
		{name: "matches", expr: `matches(text, "^Quarterly [A-Z][a-z]+")`, want: true},
		{name: "len", expr: "len(output.tags) == 2", want: true},
		{name: "nested calls with grouping", expr: `(len(text) > 5) && !(upper(metadata.role) == "ADMIN")`, want: true},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(ctx, tt.expr, lookup)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_Errors(t *testing.T) {
	lookup := mapLookup(map[string]any{
		"output.score": 0.42,
	})
	eval := NewEvaluator(Options{})

	_, err := eval.Evaluate(context.Background(), "unknown.value == true", lookup)
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}

	_, err = eval.Evaluate(context.Background(), "output.score == \"high\"", lookup)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}

	_, err = eval.Evaluate(context.Background(), "output.score >=", lookup)
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax, got %v", err)
	}

	_, err = eval.Evaluate(context.Background(), "output.score", lookup)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for non-boolean result, got %v", err)
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr error
	}{
		{name: "empty", expr: "   ", wantErr: ErrSyntax},
		{name: "unknown function", expr: `shout(text)`, wantErr: ErrUnknownFunction},
		{name: "wrong arity", expr: `contains(text)`, wantErr: ErrSyntax},
		{name: "unterminated string", expr: `text == "abc`, wantErr: ErrSyntax},
		{name: "trailing comma", expr: `contains(text, )`, wantErr: ErrSyntax},
		{name: "missing close paren", expr: `(true && false`, wantErr: ErrSyntax},
		{name: "valid", expr: `contains(text, "a") || len(text) == 0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, err := Compile(tt.expr)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Compile() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile() unexpected error: %v", err)
			}
			if program.String() != tt.expr {
				t.Fatalf("String() = %q, want %q", program.String(), tt.expr)
			}
		})
	}
}

func TestProgram_Reuse(t *testing.T) {
	program, err := Compile("output.n > 2")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	eval := NewEvaluator(Options{})

	for n, want := range map[float64]bool{1: false, 2: false, 3: true} {
		got, err := eval.Run(context.Background(), program, mapLookup(map[string]any{"output.n": n}))
		if err != nil {
			t.Fatalf("Run(%v) error = %v", n, err)
		}
		if got != want {
			t.Fatalf("Run(%v) = %v, want %v", n, got, want)
		}
	}
}

func TestEvaluator_Timeout(t *testing.T) {
	eval := NewEvaluator(Options{Timeout: time.Millisecond})

	slowLookup := func(path string) (any, bool) {
		time.Sleep(2 * time.Millisecond)
		if path == "output.flag" {
			return true, true
		}
		return nil, false
	}

	_, err := eval.Evaluate(context.Background(), "output.flag == true", slowLookup)
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestEvaluator_ShortCircuit(t *testing.T) {
	eval := NewEvaluator(Options{})

	var calls int
	lookup := func(path string) (any, bool) {
		if path == "output.allow" {
			return true, true
		}
		if path == "output.expensive" {
			calls++
			return true, true
		}
		return nil, false
	}

	result, err := eval.Evaluate(context.Background(), "output.allow || output.expensive", lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Fatalf("expected true result")
	}
	if calls != 0 {
		t.Fatalf("expected short-circuit to skip expensive lookup, got %d calls", calls)
	}
}

func mapLookup(values map[string]any) LookupFunc {
	return func(path string) (any, bool) {
		v, ok := values[path]
		return v, ok
	}
}
