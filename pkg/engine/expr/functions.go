package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

type builtin struct {
	arity int
	call  func(args []any) (any, error)
}

var builtins = map[string]builtin{
	"contains":   {arity: 2, call: fnContains},
	"startsWith": {arity: 2, call: stringPair(strings.HasPrefix)},
	"endsWith":   {arity: 2, call: stringPair(strings.HasSuffix)},
	"matches":    {arity: 2, call: fnMatches},
	"lower":      {arity: 1, call: stringUnary(strings.ToLower)},
	"upper":      {arity: 1, call: stringUnary(strings.ToUpper)},
	"len":        {arity: 1, call: fnLen},
}

var patternCache sync.Map // pattern -> *regexp.Regexp

func stringPair(fn func(string, string) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		a, okA := args[0].(string)
		b, okB := args[1].(string)
		if !okA || !okB {
			return nil, fmt.Errorf("%w: expected string arguments, got %T and %T", ErrTypeMismatch, args[0], args[1])
		}
		return fn(a, b), nil
	}
}

func stringUnary(fn func(string) string) func([]any) (any, error) {
	return func(args []any) (any, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string argument, got %T", ErrTypeMismatch, args[0])
		}
		return fn(s), nil
	}
}

func fnContains(args []any) (any, error) {
	switch haystack := args[0].(type) {
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: contains on string expects string needle, got %T", ErrTypeMismatch, args[1])
		}
		return strings.Contains(haystack, needle), nil
	case []any:
		for _, item := range haystack {
			if eq, err := equals(item, args[1]); err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	case []string:
		needle, ok := args[1].(string)
		if !ok {
			return false, nil
		}
		for _, item := range haystack {
			if item == needle {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := args[1].(string)
		if !ok {
			return false, nil
		}
		_, present := haystack[key]
		return present, nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("%w: contains does not support %T", ErrTypeMismatch, args[0])
	}
}

func fnMatches(args []any) (any, error) {
	subject, okS := args[0].(string)
	pattern, okP := args[1].(string)
	if !okS || !okP {
		return nil, fmt.Errorf("%w: matches expects string arguments", ErrTypeMismatch)
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return re.MatchString(subject), nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pattern %q: %v", ErrSyntax, pattern, err)
	}
	patternCache.Store(pattern, re)
	return re, nil
}

func fnLen(args []any) (any, error) {
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case []string:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, fmt.Errorf("%w: len does not support %T", ErrTypeMismatch, args[0])
	}
}
