package policy

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/policy/dlp"
)

type transform interface {
	// apply returns the rewritten output. It must not modify in.value.
	apply(ctx context.Context, in *input) (any, error)
}

func compileTransform(ctx context.Context, t domain.Transform, opts Options) (transform, error) {
	switch domain.TransformType(strings.ToLower(string(t.Type))) {
	case domain.TransformRedact:
		det := dlp.Detector{Name: "redact", Keywords: t.Keywords, Pattern: t.Pattern, Replacement: t.Replacement}
		scanner, err := dlp.NewScanner(dlp.Config{Detectors: []dlp.Detector{det}})
		if err != nil {
			return nil, err
		}
		return stringTransform{fn: scanner.Redact}, nil
	case domain.TransformReplace:
		re, err := compileRegexp(t.Pattern)
		if err != nil {
			return nil, err
		}
		replacement := t.Replacement
		return stringTransform{fn: func(s string) string {
			return re.ReplaceAllString(s, replacement)
		}}, nil
	case domain.TransformTruncate:
		if t.MaxLength <= 0 {
			return nil, fmt.Errorf("truncate requires a positive max_length")
		}
		limit := t.MaxLength
		return stringTransform{fn: func(s string) string {
			return truncateRunes(s, limit)
		}}, nil
	case domain.TransformSet:
		return setTransform{field: strings.TrimSpace(t.Field), value: t.Value}, nil
	case domain.TransformRego:
		engine, err := newRuleRegoEngine(ctx, t.Module, t.Entry, defaultRewriteEntrypoint, opts)
		if err != nil {
			return nil, err
		}
		return regoTransform{engine: engine, field: strings.TrimSpace(t.Field)}, nil
	case "":
		return nil, fmt.Errorf("transform type is required")
	default:
		return nil, fmt.Errorf("unknown transform type %q", t.Type)
	}
}

// stringTransform rewrites every string in the selected field, or in the
// whole output when no field is set.
type stringTransform struct {
	fn func(string) string
}

func (t stringTransform) apply(_ context.Context, in *input) (any, error) {
	if in.field == "" {
		return mapStrings(in.value, t.fn), nil
	}
	target, ok := lookupField(in.value, in.field)
	if !ok {
		return in.value, nil
	}
	return setField(in.value, in.field, mapStrings(target, t.fn))
}

type setTransform struct {
	field string
	value any
}

func (t setTransform) apply(_ context.Context, in *input) (any, error) {
	if t.field == "" {
		return cloneValue(t.value), nil
	}
	return setField(in.value, t.field, cloneValue(t.value))
}

// regoTransform replaces the output (or field) with the decision value. An
// undefined decision leaves the output unchanged.
type regoTransform struct {
	engine *RegoEngine
	field  string
}

func (t regoTransform) apply(ctx context.Context, in *input) (any, error) {
	value, defined, err := t.engine.Evaluate(ctx, "", in.regoInput())
	if err != nil || !defined {
		return in.value, err
	}
	if t.field == "" {
		return cloneValue(value), nil
	}
	return setField(in.value, t.field, cloneValue(value))
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// mapStrings returns a copy of v with fn applied to every string leaf.
func mapStrings(v any, fn func(string) string) any {
	switch typed := v.(type) {
	case string:
		return fn(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = mapStrings(item, fn)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = mapStrings(item, fn)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for k, item := range typed {
			out[k] = fn(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		for i, item := range typed {
			out[i] = fn(item)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v any) any {
	return mapStrings(v, func(s string) string { return s })
}

func lookupField(value any, field string) (any, bool) {
	current := value
	for _, segment := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setField returns a copy of value with the dotted field set, creating
// intermediate objects as needed. Maps along the path are copied; siblings
// are shared.
func setField(value any, field string, fieldValue any) (any, error) {
	segments := strings.Split(field, ".")
	root, ok := value.(map[string]any)
	if !ok && value != nil {
		return nil, fmt.Errorf("cannot set %q on %T output", field, value)
	}
	out := copyMap(root)
	current := out
	for i, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("invalid field %q", field)
		}
		if i == len(segments)-1 {
			current[segment] = fieldValue
			break
		}
		next, isMap := current[segment].(map[string]any)
		if !isMap && current[segment] != nil {
			return nil, fmt.Errorf("cannot set %q: %s is %T", field, segment, current[segment])
		}
		child := copyMap(next)
		current[segment] = child
		current = child
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
