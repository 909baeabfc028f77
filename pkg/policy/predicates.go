package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/expr"
	"github.com/polisai/agentlayer/pkg/policy/dlp"
)

type predicate interface {
	// match reports whether the rule applies and, when it does, what triggered it.
	match(ctx context.Context, c *Constitution, in *input) (bool, string, error)
}

func compilePredicate(ctx context.Context, p domain.Predicate, opts Options) (predicate, error) {
	switch domain.PredicateType(strings.ToLower(string(p.Type))) {
	case domain.PredicateAlways, "":
		return alwaysPredicate{}, nil
	case domain.PredicateKeyword:
		scanner, err := dlp.NewScanner(dlp.Config{Detectors: []dlp.Detector{{Name: "keyword", Keywords: p.Keywords}}})
		if err != nil {
			return nil, err
		}
		return scanPredicate{scanner: scanner, label: "keyword"}, nil
	case domain.PredicateRegex:
		scanner, err := dlp.NewScanner(dlp.Config{Detectors: []dlp.Detector{{Name: "pattern", Pattern: p.Pattern}}})
		if err != nil {
			return nil, err
		}
		return scanPredicate{scanner: scanner, label: "pattern"}, nil
	case domain.PredicateRole:
		if len(p.Roles) == 0 {
			return nil, fmt.Errorf("role predicate requires allowed_roles")
		}
		allowed := make(map[string]struct{}, len(p.Roles))
		for _, role := range p.Roles {
			allowed[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
		}
		return rolePredicate{allowed: allowed}, nil
	case domain.PredicateExpr:
		program, err := expr.Compile(p.Expr)
		if err != nil {
			return nil, err
		}
		return exprPredicate{program: program}, nil
	case domain.PredicateRego:
		engine, err := newRuleRegoEngine(ctx, p.Module, p.Entry, defaultMatchEntrypoint, opts)
		if err != nil {
			return nil, err
		}
		return regoPredicate{engine: engine}, nil
	default:
		return nil, fmt.Errorf("unknown predicate type %q", p.Type)
	}
}

type alwaysPredicate struct{}

func (alwaysPredicate) match(context.Context, *Constitution, *input) (bool, string, error) {
	return true, "", nil
}

type scanPredicate struct {
	scanner *dlp.Scanner
	label   string
}

func (p scanPredicate) match(ctx context.Context, _ *Constitution, in *input) (bool, string, error) {
	report, err := p.scanner.Scan(ctx, expr.Text(in.target))
	if err != nil {
		return false, "", err
	}
	if !report.Matched() {
		return false, "", nil
	}
	return true, fmt.Sprintf("%s %q", p.label, report.Findings[0].Match), nil
}

// rolePredicate matches when the caller's metadata role is not allowed.
type rolePredicate struct {
	allowed map[string]struct{}
}

func (p rolePredicate) match(_ context.Context, _ *Constitution, in *input) (bool, string, error) {
	role := strings.ToLower(strings.TrimSpace(in.subject.Metadata["role"]))
	if _, ok := p.allowed[role]; ok && role != "" {
		return false, "", nil
	}
	if role == "" {
		return true, "no role", nil
	}
	return true, "role " + role, nil
}

type exprPredicate struct {
	program *expr.Program
}

func (p exprPredicate) match(ctx context.Context, c *Constitution, in *input) (bool, string, error) {
	ok, err := c.evaluator.Run(ctx, p.program, in.scope().Lookup)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	return true, "expr " + p.program.String(), nil
}

// regoPredicate accepts a boolean decision, or an object with a boolean
// "match" and an optional "reason".
type regoPredicate struct {
	engine *RegoEngine
}

func (p regoPredicate) match(ctx context.Context, _ *Constitution, in *input) (bool, string, error) {
	value, defined, err := p.engine.Evaluate(ctx, "", in.regoInput())
	if err != nil || !defined {
		return false, "", err
	}
	switch decision := value.(type) {
	case bool:
		return decision, "", nil
	case map[string]any:
		matched, _ := decision["match"].(bool)
		reason, _ := decision["reason"].(string)
		return matched, reason, nil
	default:
		return false, "", fmt.Errorf("rego decision must be a boolean or object, got %T", value)
	}
}

func newRuleRegoEngine(ctx context.Context, module, entry, fallback string, opts Options) (*RegoEngine, error) {
	if strings.TrimSpace(module) == "" {
		return nil, fmt.Errorf("rego module is required")
	}
	if strings.TrimSpace(entry) == "" {
		entry = fallback
	}
	return NewRegoEngine(ctx, RegoOptions{
		Entrypoint:      entry,
		Modules:         map[string]string{"rule.rego": module},
		CacheMaxEntries: opts.RegoCacheEntries,
	})
}

// compileRegexp is shared by the replace transform.
func compileRegexp(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if name, ok := strings.CutPrefix(pattern, dlp.BuiltinPrefix); ok {
		det, found := dlp.GlobalRegistry().Resolve(name)
		if !found {
			return nil, fmt.Errorf("%w: %s", dlp.ErrUnknownDetector, name)
		}
		pattern = det.Pattern
	}
	return regexp.Compile(pattern)
}
