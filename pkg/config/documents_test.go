package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentlayer/pkg/domain"
)

func TestLoadGraphFileYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "graph.yaml", `
id: review
defaults:
  timeout_ms: 2000
nodes:
  - id: draft
    kind: template
    config:
      template: "hello {{.Input}}"
    loop:
      max_iterations: 3
  - id: review
    kind: passthrough
    critical: false
edges:
  - from: draft
    to: review
  - from: review
    to: draft
    condition: 'contains(text, "retry")'
`)

	graph, err := LoadGraphFile(path)
	require.NoError(t, err)
	assert.Equal(t, "review", graph.ID)
	assert.Equal(t, 2000, graph.Defaults.TimeoutMS)
	require.Len(t, graph.Nodes, 2)
	assert.Equal(t, "hello {{.Input}}", graph.Nodes[0].Config["template"])
	require.NotNil(t, graph.Nodes[0].Loop)
	assert.Equal(t, 3, graph.Nodes[0].Loop.MaxIterations)
	assert.False(t, graph.Nodes[1].IsCritical())
	require.Len(t, graph.Edges, 2)
	assert.True(t, graph.Edges[1].Conditional())
}

func TestLoadConstitutionFileShortForms(t *testing.T) {
	path := writeFile(t, t.TempDir(), "constitution.yaml", `
default: deny
rules:
  - id: no-secrets
    scope: template
    predicate:
      type: keyword
      keywords: [password]
    action: deny
  - id: allow-all
    predicate: always
    action: allow
`)

	c, err := LoadConstitutionFile(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDeny, c.Default)
	require.Len(t, c.Rules, 2)
	assert.Equal(t, []string{"template"}, c.Rules[0].Scope.Kinds)
	assert.Equal(t, domain.PredicateKeyword, c.Rules[0].Predicate.Type)
	assert.Equal(t, domain.PredicateAlways, c.Rules[1].Predicate.Type)
}

func TestLoadDocumentsJSONAndErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "graph.json", `{"nodes":[{"id":"a","kind":"constant","config":{"value":1}}]}`)
	graph, err := LoadGraphFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a", graph.Nodes[0].ID)

	_, err = LoadGraphFile(writeFile(t, dir, "empty.yaml", ""))
	require.Error(t, err)
	_, err = LoadGraphFile(writeFile(t, dir, "broken.yaml", "nodes: [\n"))
	require.Error(t, err)
	_, err = LoadConstitutionFile(dir + "/missing.yaml")
	require.Error(t, err)
}
