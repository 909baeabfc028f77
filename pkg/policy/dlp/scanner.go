package dlp

import (
	"context"
	"sort"
)

// Scan applies every detector to text, collecting findings and producing the
// redacted text. Detectors apply in declaration order, each to the output of
// the previous one.
func (s *Scanner) Scan(ctx context.Context, text string) (Report, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
	}

	redacted := text
	var findings []Finding
	truncated := false

	for _, det := range s.detectors {
		for _, match := range det.expr.FindAllStringIndex(text, -1) {
			if len(findings) >= s.maxFindings {
				truncated = true
				break
			}
			findings = append(findings, Finding{
				Detector: det.name,
				Match:    text[match[0]:match[1]],
				Start:    match[0],
				End:      match[1],
			})
		}
		redacted = det.expr.ReplaceAllLiteralString(redacted, det.replacement)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start == findings[j].Start {
			return findings[i].End < findings[j].End
		}
		return findings[i].Start < findings[j].Start
	})

	return Report{Findings: findings, Redacted: redacted, Truncated: truncated}, nil
}

// Match reports whether any detector fires on text, and the first detector
// that did.
func (s *Scanner) Match(text string) (string, bool) {
	for _, det := range s.detectors {
		if det.expr.MatchString(text) {
			return det.name, true
		}
	}
	return "", false
}

// Redact returns text with every match replaced.
func (s *Scanner) Redact(text string) string {
	for _, det := range s.detectors {
		text = det.expr.ReplaceAllLiteralString(text, det.replacement)
	}
	return text
}
