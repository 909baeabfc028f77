package policy

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/expr"
)

// Subject is one node output presented for judgement.
type Subject struct {
	Node      *domain.Node
	Output    any
	Iteration int
	Metadata  map[string]string
}

// Constitution is a compiled, immutable rule set.
type Constitution struct {
	name          string
	rules         []*compiledRule
	defaultAction domain.RuleAction
	evaluator     *expr.Evaluator
	logger        *slog.Logger
}

type compiledRule struct {
	rule    domain.Rule
	match   predicate
	rewrite transform
}

// RuleError reports a rule whose predicate or transform failed to evaluate.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// Options tune constitution compilation.
type Options struct {
	Logger *slog.Logger
	// ExprOptions bound expression predicate evaluation.
	ExprOptions expr.Options
	// RegoCacheEntries sizes the decision cache of each Rego rule.
	RegoCacheEntries int
}

// Compile validates a constitution and prepares its rules. Violations are
// reported as *domain.ValidationError with kind InvalidRule. A nil
// constitution compiles to an empty, allow-by-default rule set.
func Compile(ctx context.Context, c *domain.Constitution, opts Options) (*Constitution, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compiled := &Constitution{
		defaultAction: domain.ActionAllow,
		evaluator:     expr.NewEvaluator(opts.ExprOptions),
		logger:        logger,
	}
	if c == nil {
		return compiled, nil
	}

	compiled.name = c.Name
	switch domain.RuleAction(strings.ToLower(string(c.Default))) {
	case "", domain.ActionAllow:
	case domain.ActionDeny:
		compiled.defaultAction = domain.ActionDeny
	default:
		return nil, domain.NewValidationError(domain.KindInvalidRule, "", "default must be allow or deny, got %q", c.Default)
	}

	seen := make(map[string]struct{}, len(c.Rules))
	for i, rule := range c.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return nil, domain.NewValidationError(domain.KindInvalidRule, "", "rule at position %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, domain.NewValidationError(domain.KindInvalidRule, id, "rule id %q declared more than once", id)
		}
		seen[id] = struct{}{}
		rule.ID = id

		cr, err := compileRule(ctx, rule, opts)
		if err != nil {
			verr := domain.NewValidationError(domain.KindInvalidRule, id, "rule %q", id)
			verr.Err = err
			return nil, verr
		}
		compiled.rules = append(compiled.rules, cr)
	}
	return compiled, nil
}

func compileRule(ctx context.Context, rule domain.Rule, opts Options) (*compiledRule, error) {
	action := domain.RuleAction(strings.ToLower(string(rule.Action)))
	switch action {
	case domain.ActionAllow, domain.ActionDeny, domain.ActionRewrite:
	case "":
		return nil, fmt.Errorf("action is required")
	default:
		return nil, fmt.Errorf("unknown action %q", rule.Action)
	}
	rule.Action = action

	match, err := compilePredicate(ctx, rule.Predicate, opts)
	if err != nil {
		return nil, fmt.Errorf("predicate: %w", err)
	}

	cr := &compiledRule{rule: rule, match: match}
	if action == domain.ActionRewrite {
		if rule.Rewrite == nil {
			return nil, fmt.Errorf("rewrite action requires a rewrite transform")
		}
		cr.rewrite, err = compileTransform(ctx, *rule.Rewrite, opts)
		if err != nil {
			return nil, fmt.Errorf("rewrite: %w", err)
		}
	}
	return cr, nil
}

// Name returns the constitution name, if any.
func (c *Constitution) Name() string {
	return c.name
}

// Len is the number of rules.
func (c *Constitution) Len() int {
	return len(c.rules)
}

// Default returns the action applied when no rule matches.
func (c *Constitution) Default() domain.RuleAction {
	return c.defaultAction
}

// Evaluate checks one output. Rules apply in declaration order after scope
// filtering: the first matching deny stops evaluation, rewrites transform the
// value seen by later rules, and allows are recorded. An error means a rule
// could not be evaluated; callers decide how to treat it.
func (c *Constitution) Evaluate(ctx context.Context, subject Subject) (domain.Verdict, error) {
	value := subject.Output
	var (
		matches  []domain.RuleMatch
		rewrites []string
	)

	for _, cr := range c.rules {
		if err := ctx.Err(); err != nil {
			return domain.Verdict{}, err
		}
		if subject.Node != nil && !cr.rule.Scope.Matches(subject.Node) {
			continue
		}

		in := newInput(subject, value, cr.rule.Predicate.Field)
		matched, trigger, err := cr.match.match(ctx, c, in)
		if err != nil {
			return domain.Verdict{}, &RuleError{RuleID: cr.rule.ID, Err: err}
		}
		if cr.rule.Predicate.Negate {
			matched = !matched
			trigger = ""
		}
		if !matched {
			continue
		}

		matches = append(matches, domain.RuleMatch{
			RuleID:   cr.rule.ID,
			Action:   cr.rule.Action,
			Severity: cr.rule.Severity,
			Trigger:  trigger,
		})
		c.logger.Debug("rule matched", "rule_id", cr.rule.ID, "action", cr.rule.Action, "node_id", nodeID(subject.Node))

		switch cr.rule.Action {
		case domain.ActionDeny:
			verdict := domain.Denied(cr.rule.ID, denyReason(cr.rule, trigger))
			verdict.Matches = matches
			return verdict, nil
		case domain.ActionRewrite:
			rewritten, err := cr.rewrite.apply(ctx, newInput(subject, value, cr.rule.Rewrite.Field))
			if err != nil {
				return domain.Verdict{}, &RuleError{RuleID: cr.rule.ID, Err: err}
			}
			if !reflect.DeepEqual(rewritten, value) {
				value = rewritten
				rewrites = append(rewrites, cr.rule.ID)
			}
		case domain.ActionAllow:
		}
	}

	if len(matches) == 0 && c.defaultAction == domain.ActionDeny {
		return domain.Denied(domain.DefaultRuleID, "no rule allowed the output"), nil
	}

	var verdict domain.Verdict
	if len(rewrites) > 0 {
		verdict = domain.Rewritten(value, rewrites...)
	} else {
		verdict = domain.Allowed(value)
	}
	verdict.Matches = matches
	return verdict, nil
}

func nodeID(node *domain.Node) string {
	if node == nil {
		return ""
	}
	return node.ID
}

func denyReason(rule domain.Rule, trigger string) string {
	reason := strings.TrimSpace(rule.Reason)
	if reason == "" {
		reason = strings.TrimSpace(rule.Description)
	}
	if reason == "" {
		reason = "denied by rule " + rule.ID
	}
	if trigger != "" {
		reason += " (" + trigger + ")"
	}
	return reason
}

// input is the view of a subject a predicate or transform works on.
type input struct {
	subject Subject
	value   any
	field   string
	target  any
}

func newInput(subject Subject, value any, field string) *input {
	in := &input{subject: subject, value: value, field: strings.TrimSpace(field), target: value}
	if in.field != "" {
		in.target, _ = expr.Path(value, in.field)
	}
	return in
}

func (in *input) scope() expr.Scope {
	scope := expr.Scope{
		Output:    in.value,
		Value:     in.target,
		HasValue:  true,
		Iteration: in.subject.Iteration,
		Metadata:  in.subject.Metadata,
	}
	if in.subject.Node != nil {
		scope.NodeID = in.subject.Node.ID
		scope.NodeKind = in.subject.Node.Kind
	}
	return scope
}

// regoInput is the document Rego modules see as `input`.
func (in *input) regoInput() map[string]any {
	node := map[string]any{}
	if in.subject.Node != nil {
		node["id"] = in.subject.Node.ID
		node["kind"] = in.subject.Node.Kind
	}
	metadata := make(map[string]any, len(in.subject.Metadata))
	for k, v := range in.subject.Metadata {
		metadata[k] = v
	}
	return map[string]any{
		"node":      node,
		"output":    in.value,
		"value":     in.target,
		"text":      expr.Text(in.target),
		"iteration": in.subject.Iteration,
		"metadata":  metadata,
	}
}
