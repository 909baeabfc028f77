package expr

import (
	"context"
	"testing"
)

func TestScopeLookup(t *testing.T) {
	scope := Scope{
		Output: map[string]any{
			"score": 0.9,
			"tags":  []any{"a", "b"},
			"user":  map[string]any{"name": "ada"},
		},
		NodeID:    "review",
		NodeKind:  "template",
		Iteration: 2,
		Metadata:  map[string]string{"role": "analyst"},
	}
	evaluator := NewEvaluator(Options{})

	tests := []struct {
		expr string
		want bool
	}{
		{`output.score > 0.5`, true},
		{`output.user.name == "ada"`, true},
		{`output.tags.1 == "b"`, true},
		{`output.missing == null`, true},
		{`node.id == "review" && node.kind == "template"`, true},
		{`iteration == 2`, true},
		{`metadata.role == "analyst"`, true},
		{`metadata.tenant == null`, true},
		{`contains(text, "ada")`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluator.Evaluate(context.Background(), tt.expr, scope.Lookup)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeUnknownIdentifier(t *testing.T) {
	if _, ok := (Scope{}).Lookup("nonsense"); ok {
		t.Fatalf("unexpected identifier resolved")
	}
}

func TestText(t *testing.T) {
	if got := Text(map[string]any{"b": 1, "a": "x"}); got != `{"a":"x","b":1}` {
		t.Fatalf("unexpected text %q", got)
	}
	if got := Text(nil); got != "" {
		t.Fatalf("nil should render empty, got %q", got)
	}
	if got := Text("plain"); got != "plain" {
		t.Fatalf("unexpected text %q", got)
	}
}
