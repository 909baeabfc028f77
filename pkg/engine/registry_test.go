package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

func constantFunc(value any) runtime.BehaviorFunc {
	return func(context.Context, *domain.Node, runtime.Inputs) (any, error) {
		return value, nil
	}
}

func TestRegistryResolvesVersionsAndAliases(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", "v1", constantFunc("one"), "say")
	r.Register("echo", "v2", constantFunc("two"))

	tests := []struct {
		raw     string
		want    any
		version string
	}{
		{raw: "echo", want: "two", version: "v2"},
		{raw: "echo@v1", want: "one", version: "v1"},
		{raw: "echo@v2", want: "two", version: "v2"},
		{raw: "say", want: "one", version: "v1"},
		{raw: "  echo  ", want: "two", version: "v2"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			behavior, info, ok := r.Resolve(tt.raw)
			if !ok {
				t.Fatalf("Resolve(%q) found nothing", tt.raw)
			}
			got, err := behavior.Execute(context.Background(), &domain.Node{ID: "n"}, nil)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) dispatched to %v, want %v", tt.raw, got, tt.want)
			}
			if info.Version != tt.version {
				t.Fatalf("Resolve(%q) version = %q, want %q", tt.raw, info.Version, tt.version)
			}
		})
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("echo", constantFunc("x"))

	if r.Has("echo@v9") {
		t.Fatalf("unregistered version must not resolve")
	}
	if r.Has("missing") {
		t.Fatalf("unknown kind must not resolve")
	}
	if !r.Has("echo") {
		t.Fatalf("unversioned function behavior should resolve")
	}
}

func TestRegistryKindsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", "", constantFunc(nil))
	r.Register("alpha", "v2", constantFunc(nil))
	r.Register("alpha", "v1", constantFunc(nil))

	want := []string{"alpha@v1", "alpha@v2", "zeta"}
	if got := r.Kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	r := newTestRegistry()
	for _, kind := range []string{"passthrough", "identity", "constant", "template", "prompt", "fail", "delay", "http", "agent.http"} {
		if !r.Has(kind) {
			t.Errorf("builtin kind %q not registered", kind)
		}
	}
}
