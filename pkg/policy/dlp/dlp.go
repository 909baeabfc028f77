// Package dlp scans text for sensitive keywords and patterns and redacts them.
// Constitution keyword and regex predicates, and redact transforms, are
// compiled into Scanners.
package dlp

import (
	"fmt"
	"regexp"
	"strings"
)

// NewScanner compiles the detectors of cfg. Keyword lists become a single
// case-insensitive alternation of quoted literals.
func NewScanner(cfg Config) (*Scanner, error) {
	if len(cfg.Detectors) == 0 {
		return nil, ErrNoDetectors
	}

	compiled := make([]compiledDetector, 0, len(cfg.Detectors))
	for _, det := range cfg.Detectors {
		name := strings.TrimSpace(det.Name)
		if name == "" {
			return nil, fmt.Errorf("dlp: detector name is required")
		}

		pattern, err := detectorPattern(det)
		if err != nil {
			return nil, fmt.Errorf("dlp: detector %s: %w", name, err)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for detector %s: %w", name, err)
		}

		replacement := det.Replacement
		if replacement == "" {
			replacement = DefaultReplacement
		}
		compiled = append(compiled, compiledDetector{name: name, expr: expr, replacement: replacement})
	}

	maxFindings := cfg.MaxFindings
	if maxFindings <= 0 {
		maxFindings = defaultMaxFindings
	}
	return &Scanner{detectors: compiled, maxFindings: maxFindings}, nil
}

func detectorPattern(det Detector) (string, error) {
	if len(det.Keywords) > 0 {
		quoted := make([]string, 0, len(det.Keywords))
		for _, kw := range det.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			quoted = append(quoted, regexp.QuoteMeta(kw))
		}
		if len(quoted) == 0 {
			return "", fmt.Errorf("keywords are empty")
		}
		return "(?i)(?:" + strings.Join(quoted, "|") + ")", nil
	}

	pattern := strings.TrimSpace(det.Pattern)
	if pattern == "" {
		return "", fmt.Errorf("pattern or keywords are required")
	}
	if name, ok := strings.CutPrefix(pattern, BuiltinPrefix); ok {
		builtin, found := GlobalRegistry().Resolve(name)
		if !found {
			return "", fmt.Errorf("%w: %s", ErrUnknownDetector, name)
		}
		return builtin.Pattern, nil
	}
	return pattern, nil
}
