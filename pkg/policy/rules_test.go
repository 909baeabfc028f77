package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentlayer/pkg/domain"
)

func compileRules(t *testing.T, c *domain.Constitution) *Constitution {
	t.Helper()
	compiled, err := Compile(context.Background(), c, Options{})
	require.NoError(t, err)
	return compiled
}

func subject(output any) Subject {
	return Subject{Node: &domain.Node{ID: "draft", Kind: "template"}, Output: output, Iteration: 1}
}

func TestEvaluateDenyStopsEvaluation(t *testing.T) {
	c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{
		{ID: "no-secrets", Predicate: domain.Predicate{Type: domain.PredicateKeyword, Keywords: []string{"password"}}, Action: domain.ActionDeny, Reason: "leaks a secret"},
		{ID: "never-reached", Predicate: domain.Predicate{Type: domain.PredicateAlways}, Action: domain.ActionDeny},
	}})

	verdict, err := c.Evaluate(context.Background(), subject("the Password is 42"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDenied, verdict.Decision)
	assert.Equal(t, "no-secrets", verdict.RuleID)
	assert.Contains(t, verdict.Reason, "leaks a secret")
	require.Len(t, verdict.Matches, 1)
	assert.False(t, verdict.Permits())
}

func TestEvaluateRewritesAreLayered(t *testing.T) {
	c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{
		{
			ID:        "redact-names",
			Predicate: domain.Predicate{Type: domain.PredicateAlways},
			Action:    domain.ActionRewrite,
			Rewrite:   &domain.Transform{Type: domain.TransformRedact, Keywords: []string{"alice"}},
		},
		{
			ID:        "deny-names",
			Predicate: domain.Predicate{Type: domain.PredicateKeyword, Keywords: []string{"alice"}},
			Action:    domain.ActionDeny,
		},
		{
			ID:        "shorten",
			Predicate: domain.Predicate{Type: domain.PredicateAlways},
			Action:    domain.ActionRewrite,
			Rewrite:   &domain.Transform{Type: domain.TransformTruncate, MaxLength: 12},
		},
	}})

	verdict, err := c.Evaluate(context.Background(), subject("hello Alice, how are you"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRewritten, verdict.Decision)
	assert.Equal(t, "hello [REDAC", verdict.Output)
	assert.Equal(t, []string{"redact-names", "shorten"}, verdict.Rewrites)
}

func TestEvaluateNoOpRewriteIsAllowed(t *testing.T) {
	c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{{
		ID:        "redact",
		Predicate: domain.Predicate{Type: domain.PredicateAlways},
		Action:    domain.ActionRewrite,
		Rewrite:   &domain.Transform{Type: domain.TransformRedact, Keywords: []string{"secret"}},
	}}})

	verdict, err := c.Evaluate(context.Background(), subject("nothing to hide"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, verdict.Decision)
	assert.Equal(t, "nothing to hide", verdict.Output)
	assert.Len(t, verdict.Matches, 1)
}

func TestEvaluateDefaultAction(t *testing.T) {
	allowOnly := []domain.Rule{{
		ID:        "reports",
		Scope:     domain.RuleScope{Kinds: []string{"report"}},
		Predicate: domain.Predicate{Type: domain.PredicateAlways},
		Action:    domain.ActionAllow,
	}}

	permissive := compileRules(t, &domain.Constitution{Rules: allowOnly})
	verdict, err := permissive.Evaluate(context.Background(), subject("x"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, verdict.Decision)
	assert.Empty(t, verdict.Matches)

	strict := compileRules(t, &domain.Constitution{Rules: allowOnly, Default: domain.ActionDeny})
	verdict, err = strict.Evaluate(context.Background(), subject("x"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDenied, verdict.Decision)
	assert.Equal(t, domain.DefaultRuleID, verdict.RuleID)

	report := Subject{Node: &domain.Node{ID: "r", Kind: "report"}, Output: "x"}
	verdict, err = strict.Evaluate(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, verdict.Decision)
}

func TestEvaluateNilConstitutionAllows(t *testing.T) {
	c := compileRules(t, nil)
	verdict, err := c.Evaluate(context.Background(), subject(map[string]any{"a": 1}))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, verdict.Decision)
	assert.Equal(t, map[string]any{"a": 1}, verdict.Output)
}

func TestEvaluateScope(t *testing.T) {
	c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{{
		ID:        "only-publish",
		Scope:     domain.RuleScope{Nodes: []string{"publish"}},
		Predicate: domain.Predicate{Type: domain.PredicateAlways},
		Action:    domain.ActionDeny,
	}}})

	verdict, err := c.Evaluate(context.Background(), subject("x"))
	require.NoError(t, err)
	assert.True(t, verdict.Permits())

	verdict, err = c.Evaluate(context.Background(), Subject{Node: &domain.Node{ID: "publish", Kind: "template"}, Output: "x"})
	require.NoError(t, err)
	assert.False(t, verdict.Permits())
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name      string
		predicate domain.Predicate
		output    any
		metadata  map[string]string
		want      bool
	}{
		{name: "regex hit", predicate: domain.Predicate{Type: domain.PredicateRegex, Pattern: `\d{3}-\d{4}`}, output: "call 555-1234", want: true},
		{name: "regex miss", predicate: domain.Predicate{Type: domain.PredicateRegex, Pattern: `\d{3}-\d{4}`}, output: "no number", want: false},
		{name: "builtin regex", predicate: domain.Predicate{Type: domain.PredicateRegex, Pattern: "builtin:pii.email"}, output: "bob@example.com", want: true},
		{name: "keyword in field", predicate: domain.Predicate{Type: domain.PredicateKeyword, Field: "body", Keywords: []string{"drop"}}, output: map[string]any{"title": "drop", "body": "fine"}, want: false},
		{name: "keyword in json", predicate: domain.Predicate{Type: domain.PredicateKeyword, Keywords: []string{"drop"}}, output: map[string]any{"title": "DROP table"}, want: true},
		{name: "role not allowed", predicate: domain.Predicate{Type: domain.PredicateRole, Roles: []string{"admin"}}, output: "x", metadata: map[string]string{"role": "guest"}, want: true},
		{name: "role allowed", predicate: domain.Predicate{Type: domain.PredicateRole, Roles: []string{"Admin"}}, output: "x", metadata: map[string]string{"role": "admin"}, want: false},
		{name: "role missing", predicate: domain.Predicate{Type: domain.PredicateRole, Roles: []string{"admin"}}, output: "x", want: true},
		{name: "expr", predicate: domain.Predicate{Type: domain.PredicateExpr, Expr: `output.score < 0.5 && node.kind == "template"`}, output: map[string]any{"score": 0.2}, want: true},
		{name: "expr value", predicate: domain.Predicate{Type: domain.PredicateExpr, Field: "tags", Expr: `len(value) > 2`}, output: map[string]any{"tags": []any{"a", "b", "c"}}, want: true},
		{name: "negate", predicate: domain.Predicate{Type: domain.PredicateKeyword, Keywords: []string{"approved"}, Negate: true}, output: "pending", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{{ID: "r", Predicate: tt.predicate, Action: domain.ActionDeny}}})
			s := subject(tt.output)
			s.Metadata = tt.metadata
			verdict, err := c.Evaluate(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, !verdict.Permits())
		})
	}
}

func TestTransforms(t *testing.T) {
	original := map[string]any{"title": "Report for bob@example.com", "meta": map[string]any{"draft": true}}
	tests := []struct {
		name      string
		transform domain.Transform
		output    any
		want      any
	}{
		{
			name:      "redact builtin in nested output",
			transform: domain.Transform{Type: domain.TransformRedact, Pattern: "builtin:pii.email", Replacement: "<email>"},
			output:    original,
			want:      map[string]any{"title": "Report for <email>", "meta": map[string]any{"draft": true}},
		},
		{
			name:      "replace with group",
			transform: domain.Transform{Type: domain.TransformReplace, Pattern: `(\w+)@example\.com`, Replacement: "$1@redacted"},
			output:    "mail bob@example.com",
			want:      "mail bob@redacted",
		},
		{
			name:      "set nested field",
			transform: domain.Transform{Type: domain.TransformSet, Field: "meta.reviewed", Value: true},
			output:    original,
			want:      map[string]any{"title": "Report for bob@example.com", "meta": map[string]any{"draft": true, "reviewed": true}},
		},
		{
			name:      "truncate field only",
			transform: domain.Transform{Type: domain.TransformTruncate, Field: "title", MaxLength: 6},
			output:    original,
			want:      map[string]any{"title": "Report", "meta": map[string]any{"draft": true}},
		},
		{
			name:      "set whole output",
			transform: domain.Transform{Type: domain.TransformSet, Value: "replaced"},
			output:    "anything",
			want:      "replaced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.transform
			c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{{
				ID: "rw", Predicate: domain.Predicate{Type: domain.PredicateAlways}, Action: domain.ActionRewrite, Rewrite: &tr,
			}}})
			verdict, err := c.Evaluate(context.Background(), subject(tt.output))
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict.Output)
		})
	}

	assert.Equal(t, "Report for bob@example.com", original["title"], "transforms must not mutate the input")
	assert.NotContains(t, original["meta"], "reviewed")
}

func TestCompileRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		c    *domain.Constitution
	}{
		{name: "missing id", c: &domain.Constitution{Rules: []domain.Rule{{Action: domain.ActionDeny}}}},
		{name: "duplicate id", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionDeny}, {ID: "a", Action: domain.ActionDeny}}}},
		{name: "unknown action", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: "explode"}}}},
		{name: "rewrite without transform", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionRewrite}}}},
		{name: "bad regex", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionDeny, Predicate: domain.Predicate{Type: domain.PredicateRegex, Pattern: "("}}}}},
		{name: "bad expr", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionDeny, Predicate: domain.Predicate{Type: domain.PredicateExpr, Expr: "output =="}}}}},
		{name: "role without roles", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionDeny, Predicate: domain.Predicate{Type: domain.PredicateRole}}}}},
		{name: "bad default", c: &domain.Constitution{Default: "maybe"}},
		{name: "bad truncate", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionRewrite, Rewrite: &domain.Transform{Type: domain.TransformTruncate}}}}},
		{name: "unknown predicate", c: &domain.Constitution{Rules: []domain.Rule{{ID: "a", Action: domain.ActionDeny, Predicate: domain.Predicate{Type: "vibes"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(context.Background(), tt.c, Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, domain.KindInvalidRule, verr.Kind)
		})
	}
}

func TestEvaluateRuleError(t *testing.T) {
	c := compileRules(t, &domain.Constitution{Rules: []domain.Rule{{
		ID:        "typed",
		Predicate: domain.Predicate{Type: domain.PredicateExpr, Expr: `output > 3`},
		Action:    domain.ActionDeny,
	}}})

	_, err := c.Evaluate(context.Background(), subject(map[string]any{"not": "a number"}))
	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, "typed", ruleErr.RuleID)
	assert.True(t, strings.Contains(err.Error(), "typed"))
}
