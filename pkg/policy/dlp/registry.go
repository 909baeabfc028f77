package dlp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BuiltinPrefix marks a pattern that names a registered detector, for example
// "builtin:pii.email".
const BuiltinPrefix = "builtin:"

// Registry provides a threadsafe catalog of reusable detector definitions.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry constructs an empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register inserts or replaces a detector using its name as the identifier.
func (r *Registry) Register(det Detector) error {
	if strings.TrimSpace(det.Name) == "" {
		return fmt.Errorf("dlp: registry detector name is required")
	}
	if strings.TrimSpace(det.Pattern) == "" {
		return fmt.Errorf("dlp: registry detector %s missing pattern", det.Name)
	}

	key := strings.ToLower(det.Name)

	r.mu.Lock()
	r.detectors[key] = det
	r.mu.Unlock()
	return nil
}

// RegisterAll inserts multiple detectors in a single call.
func (r *Registry) RegisterAll(dets []Detector) error {
	for _, det := range dets {
		if err := r.Register(det); err != nil {
			return err
		}
	}
	return nil
}

// Resolve retrieves a detector by name.
func (r *Registry) Resolve(name string) (Detector, bool) {
	if name == "" {
		return Detector{}, false
	}
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	det, ok := r.detectors[key]
	r.mu.RUnlock()
	return det, ok
}

// Names lists the registered detector names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry populated with builtin detectors.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = newRegistryWithBuiltins()
	})
	return defaultRegistry
}

func newRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	_ = r.RegisterAll([]Detector{
		{
			Name:        "pii.email",
			Pattern:     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
			Replacement: "[REDACTED:email]",
		},
		{
			Name:        "pii.ssn",
			Pattern:     `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
			Replacement: "[REDACTED:ssn]",
		},
		{
			Name:        "pci.card-number",
			Pattern:     `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
			Replacement: "[REDACTED:card]",
		},
		{
			Name:        "secret.api-key",
			Pattern:     `(?i)\b(?:api[_-]?key|apikey|api[_-]?secret|bearer[_-]?token)[:=\s]+[a-z0-9_\-]{16,}\b`,
			Replacement: "[REDACTED:api-key]",
		},
	})
	return r
}
