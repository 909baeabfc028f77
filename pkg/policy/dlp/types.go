package dlp

import (
	"errors"
	"regexp"
)

// DefaultReplacement is substituted for matches when a rule names none.
const DefaultReplacement = "[REDACTED]"

// Detector is a named pattern or keyword list.
type Detector struct {
	Name string
	// Pattern is a regular expression. Ignored when Keywords is set.
	Pattern string
	// Keywords match case-insensitively as literal substrings.
	Keywords    []string
	Replacement string
}

// Config bundles the detectors of one Scanner.
type Config struct {
	Detectors []Detector
	// MaxFindings bounds the findings kept per scan. Zero selects the default.
	MaxFindings int
}

// Finding captures a single match.
type Finding struct {
	Detector string
	Match    string
	Start    int
	End      int
}

// Report summarises the outcome of a scan.
type Report struct {
	Findings []Finding
	Redacted string
	// Truncated is set when findings beyond MaxFindings were dropped.
	Truncated bool
}

// Matched reports whether any detector fired.
func (r Report) Matched() bool {
	return len(r.Findings) > 0
}

// RedactionsApplied reports whether the redacted text differs from the input.
func (r Report) RedactionsApplied(original string) bool {
	return r.Redacted != original
}

// Scanner applies compiled detectors to text. It is immutable and safe for
// concurrent use.
type Scanner struct {
	detectors   []compiledDetector
	maxFindings int
}

const defaultMaxFindings = 128

var (
	// ErrNoDetectors is returned when a scanner is built from an empty config.
	ErrNoDetectors = errors.New("dlp: at least one detector is required")
	// ErrUnknownDetector is returned when a builtin detector name does not resolve.
	ErrUnknownDetector = errors.New("dlp: unknown builtin detector")
)

type compiledDetector struct {
	name        string
	expr        *regexp.Regexp
	replacement string
}
