package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

// Registry maps node kinds to behaviors. Kinds may be versioned (`kind@v2`)
// and carry aliases; an unversioned lookup resolves to the most recently
// registered version of that kind. Populate it at startup; runs only read it.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[string]runtime.Behavior
	aliases   map[string]string
}

// BehaviorInfo describes how a kind was resolved.
type BehaviorInfo struct {
	Kind      string
	Version   string
	Canonical string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		behaviors: make(map[string]runtime.Behavior),
		aliases:   make(map[string]string),
	}
}

// Register adds or replaces the behavior for kind@version and its aliases.
func (r *Registry) Register(kind, version string, behavior runtime.Behavior, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKey(kind, version)
	r.behaviors[canonical] = behavior
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	r.aliases[strings.TrimSpace(kind)] = canonical
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(kind string, fn runtime.BehaviorFunc, aliases ...string) {
	r.Register(kind, "", fn, aliases...)
}

// Resolve finds the behavior for a raw node kind.
func (r *Registry) Resolve(raw string) (runtime.Behavior, BehaviorInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, version := parseKind(raw)
	canonical := canonicalKey(kind, version)
	if behavior, ok := r.behaviors[canonical]; ok {
		return behavior, BehaviorInfo{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if behavior, ok := r.behaviors[alias]; ok {
			return behavior, BehaviorInfo{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if behavior, ok := r.behaviors[alias]; ok {
				return behavior, BehaviorInfo{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, BehaviorInfo{}, false
}

// Has reports whether raw resolves to a behavior.
func (r *Registry) Has(raw string) bool {
	_, _, ok := r.Resolve(raw)
	return ok
}

// Kinds lists the canonical keys in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.behaviors))
	for key := range r.behaviors {
		kinds = append(kinds, key)
	}
	sort.Strings(kinds)
	return kinds
}

func parseKind(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseKind(key)
	return version
}
