package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPromptNotFound is returned when a task or rules prompt does not exist.
var ErrPromptNotFound = errors.New("prompt not found")

// PromptProvider loads judge prompts by id.
type PromptProvider interface {
	Prompts(ctx context.Context, taskID, rulesID string) (task, rules string, err error)
}

// DirPromptProvider reads prompts from a directory laid out as
//
//	root/
//	  tasks/{task_id}.txt
//	  rules/{rules_id}.txt
type DirPromptProvider struct {
	root string
}

// NewDirPromptProvider creates a provider rooted at dir.
func NewDirPromptProvider(dir string) *DirPromptProvider {
	return &DirPromptProvider{root: dir}
}

// Prompts implements PromptProvider.
func (p *DirPromptProvider) Prompts(_ context.Context, taskID, rulesID string) (string, string, error) {
	if taskID == "" || rulesID == "" {
		return "", "", errors.New("task_id and rules_id are required")
	}
	task, err := p.read("tasks", taskID)
	if err != nil {
		return "", "", err
	}
	rules, err := p.read("rules", rulesID)
	if err != nil {
		return "", "", err
	}
	return task, rules, nil
}

func (p *DirPromptProvider) read(kind, id string) (string, error) {
	name := cleanID(id)
	if name == "" {
		return "", fmt.Errorf("%w: %s %q", ErrPromptNotFound, kind, id)
	}
	path := filepath.Join(p.root, kind, name+".txt")
	//nolint:gosec // ids are reduced to a single path element
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s %q at %s", ErrPromptNotFound, kind, id, path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s prompt %q: %w", kind, id, err)
	}
	return string(data), nil
}

func cleanID(id string) string {
	id = strings.ReplaceAll(id, "..", "")
	id = strings.ReplaceAll(id, "/", "")
	return strings.ReplaceAll(id, `\`, "")
}
