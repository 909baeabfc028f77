package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polisai/agentlayer/pkg/domain"
)

// LoadGraphFile reads a graph document in YAML or JSON.
func LoadGraphFile(path string) (*domain.Graph, error) {
	var graph domain.Graph
	if err := decodeFile(path, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// LoadConstitutionFile reads a constitution document in YAML or JSON.
func LoadConstitutionFile(path string) (*domain.Constitution, error) {
	var constitution domain.Constitution
	if err := decodeFile(path, &constitution); err != nil {
		return nil, err
	}
	return &constitution, nil
}

func decodeFile(path string, into any) error {
	//nolint:gosec // document paths are chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := DecodeDocument(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// DecodeDocument decodes YAML (JSON is a subset) into a domain value. The
// document goes through JSON so the domain types' JSON decoding rules, such
// as the short scope and predicate forms, apply to both formats.
func DecodeDocument(data []byte, into any) error {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return err
	}
	if generic == nil {
		return fmt.Errorf("empty document")
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}
