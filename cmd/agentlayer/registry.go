package main

import (
	"log/slog"

	"github.com/polisai/agentlayer/pkg/config"
	"github.com/polisai/agentlayer/pkg/engine"
	"github.com/polisai/agentlayer/pkg/nodes/llm"
)

// newRegistry returns the built-in behaviors plus the llm behaviors bound to
// the configured endpoint.
func newRegistry(cfg config.LLMConfig, logger *slog.Logger) *engine.Registry {
	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry, logger)

	client := llm.NewClient(llm.ClientConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey(),
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
	var prompts llm.PromptProvider
	if cfg.PromptDir != "" {
		prompts = llm.NewDirPromptProvider(cfg.PromptDir)
	}
	llm.Register(registry, client, prompts, logger)
	return registry
}

// loadLLMConfig reads the llm section from an optional config file.
func loadLLMConfig(path string) (config.LLMConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.LLMConfig{}, err
	}
	return cfg.LLM, nil
}
