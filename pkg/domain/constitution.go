package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RuleAction is the effect a matching rule has on a node output.
type RuleAction string

const (
	ActionAllow   RuleAction = "allow"
	ActionDeny    RuleAction = "deny"
	ActionRewrite RuleAction = "rewrite"
)

// PredicateType selects how a rule decides whether it matches.
type PredicateType string

const (
	PredicateAlways  PredicateType = "always"
	PredicateKeyword PredicateType = "keyword"
	PredicateRegex   PredicateType = "regex"
	PredicateRole    PredicateType = "role"
	PredicateExpr    PredicateType = "expr"
	PredicateRego    PredicateType = "rego"
)

// TransformType selects how a rewrite rule changes the output.
type TransformType string

const (
	TransformRedact   TransformType = "redact"
	TransformReplace  TransformType = "replace"
	TransformSet      TransformType = "set"
	TransformTruncate TransformType = "truncate"
	TransformRego     TransformType = "rego"
)

// DefaultRuleID is reported when a default-deny constitution rejects an
// output no rule allowed.
const DefaultRuleID = "default"

// Constitution is the ordered rule set outputs are checked against.
type Constitution struct {
	Name  string `json:"name,omitempty"`
	Rules []Rule `json:"rules"`
	// Default applies when no rule matched at all. Empty means allow.
	Default RuleAction `json:"default,omitempty"`
}

// Rule is a single constitution entry.
type Rule struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Scope       RuleScope  `json:"scope,omitempty"`
	Predicate   Predicate  `json:"predicate"`
	Action      RuleAction `json:"action"`
	Rewrite     *Transform `json:"rewrite,omitempty"`
	Severity    string     `json:"severity,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// RuleScope restricts a rule to node kinds and/or node ids. An empty scope, or
// a "*" kind, applies to every node.
type RuleScope struct {
	Kinds []string `json:"kinds,omitempty"`
	Nodes []string `json:"nodes,omitempty"`
}

// UnmarshalJSON accepts a kind string, a list of kinds, or the object form.
func (s *RuleScope) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == `""`:
		*s = RuleScope{}
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var kind string
		if err := json.Unmarshal(data, &kind); err != nil {
			return err
		}
		*s = RuleScope{Kinds: []string{kind}}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var kinds []string
		if err := json.Unmarshal(data, &kinds); err != nil {
			return fmt.Errorf("scope list: %w", err)
		}
		*s = RuleScope{Kinds: kinds}
		return nil
	}
	type plain RuleScope
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	*s = RuleScope(p)
	return nil
}

// Matches reports whether the scope covers the node.
func (s RuleScope) Matches(node *Node) bool {
	if len(s.Kinds) == 0 && len(s.Nodes) == 0 {
		return true
	}
	for _, kind := range s.Kinds {
		if kind == "*" || kind == node.Kind {
			return true
		}
	}
	for _, id := range s.Nodes {
		if id == node.ID {
			return true
		}
	}
	return false
}

// Predicate describes when a rule matches a node output.
type Predicate struct {
	Type PredicateType `json:"type"`
	// Field optionally selects a dotted path inside the output.
	Field    string   `json:"field,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Expr     string   `json:"expr,omitempty"`
	Roles    []string `json:"allowed_roles,omitempty"`
	Module   string   `json:"module,omitempty"`
	Entry    string   `json:"entrypoint,omitempty"`
	Negate   bool     `json:"negate,omitempty"`
}

// UnmarshalJSON accepts "always" (or "true") and bare expression strings in
// addition to the object form.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		switch strings.ToLower(raw) {
		case "", "always", "true", "*":
			*p = Predicate{Type: PredicateAlways}
		default:
			*p = Predicate{Type: PredicateExpr, Expr: raw}
		}
		return nil
	}
	if trimmed == "true" {
		*p = Predicate{Type: PredicateAlways}
		return nil
	}
	type plain Predicate
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("predicate: %w", err)
	}
	*p = Predicate(v)
	return nil
}

// Transform describes how a rewrite rule changes an output.
type Transform struct {
	Type        TransformType `json:"type"`
	Field       string        `json:"field,omitempty"`
	Keywords    []string      `json:"keywords,omitempty"`
	Pattern     string        `json:"pattern,omitempty"`
	Replacement string        `json:"replacement,omitempty"`
	Value       any           `json:"value,omitempty"`
	MaxLength   int           `json:"max_length,omitempty"`
	Module      string        `json:"module,omitempty"`
	Entry       string        `json:"entrypoint,omitempty"`
}

// Decision is the outcome class of a verdict.
type Decision string

const (
	DecisionAllowed   Decision = "allowed"
	DecisionRewritten Decision = "rewritten"
	DecisionDenied    Decision = "denied"
)

// RuleMatch records a rule that matched during evaluation.
type RuleMatch struct {
	RuleID   string     `json:"rule_id"`
	Action   RuleAction `json:"action"`
	Severity string     `json:"severity,omitempty"`
	Trigger  string     `json:"trigger,omitempty"`
}

// Verdict is the result of checking one output against a constitution.
type Verdict struct {
	Decision Decision    `json:"decision"`
	Output   any         `json:"-"`
	RuleID   string      `json:"rule_id,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Rewrites []string    `json:"rewrites,omitempty"`
	Matches  []RuleMatch `json:"matches,omitempty"`
}

// Allowed constructs an allowing verdict carrying the (unchanged) output.
func Allowed(output any) Verdict {
	return Verdict{Decision: DecisionAllowed, Output: output}
}

// Denied constructs a denying verdict.
func Denied(ruleID, reason string) Verdict {
	return Verdict{Decision: DecisionDenied, RuleID: ruleID, Reason: reason}
}

// Rewritten constructs a verdict carrying a transformed output.
func Rewritten(output any, ruleIDs ...string) Verdict {
	return Verdict{Decision: DecisionRewritten, Output: output, Rewrites: ruleIDs}
}

// Permits reports whether the verdict lets the run advance.
func (v Verdict) Permits() bool {
	return v.Decision != DecisionDenied
}
