package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/agentlayer/pkg/config"
	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine"
	"github.com/polisai/agentlayer/pkg/events"
	"github.com/polisai/agentlayer/pkg/logging"
	"github.com/polisai/agentlayer/pkg/server"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a graph locally and print the run summary as JSON",
		Long: `Run a graph with the built-in behaviors (passthrough, constant, template,
fail, delay, http) and the llm behaviors configured by --config. The exit code
is 2 when the constitution rejects the run and 3 when the run halts.`,
		RunE: runLocal,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML); only the llm section is used")
	cmd.Flags().StringP("graph", "g", "", "Path to the graph document (YAML or JSON)")
	cmd.Flags().StringP("constitution", "k", "", "Path to the constitution document (YAML or JSON)")
	cmd.Flags().StringP("input", "i", "", "Run input; parsed as JSON when possible, otherwise used as a string")
	cmd.Flags().StringToString("metadata", nil, "Run metadata as key=value pairs (for example role=reviewer)")
	cmd.Flags().Int("workers", engine.DefaultWorkers, "Concurrent node executions")
	cmd.Flags().Duration("timeout", 0, "Default per-node timeout")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

func runLocal(cmd *cobra.Command, _ []string) error {
	logger := cliLogger(cmd)

	graphPath, _ := cmd.Flags().GetString("graph")
	graph, err := config.LoadGraphFile(graphPath)
	if err != nil {
		return err
	}
	var constitution *domain.Constitution
	if path, _ := cmd.Flags().GetString("constitution"); path != "" {
		if constitution, err = config.LoadConstitutionFile(path); err != nil {
			return err
		}
	}
	rawInput, _ := cmd.Flags().GetString("input")
	metadata, _ := cmd.Flags().GetStringToString("metadata")
	workers, _ := cmd.Flags().GetInt("workers")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	configPath, _ := cmd.Flags().GetString("config")
	llmCfg, err := loadLLMConfig(configPath)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Registry:       newRegistry(llmCfg, logger),
		Logger:         logger,
		Workers:        workers,
		DefaultTimeout: timeout,
		Publisher:      events.NewLogPublisher(logger, slog.LevelDebug),
	})
	state, err := eng.Execute(cmd.Context(), engine.Request{
		Graph:        graph,
		Constitution: constitution,
		Input:        parseInput(rawInput),
		Metadata:     metadata,
	})
	if err != nil {
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), server.NewRunResponse(state)); err != nil {
		return err
	}
	return exitFor(state)
}

// exitFor maps a finished run to the command's exit status.
func exitFor(state *domain.ExecutionState) error {
	switch state.Status {
	case domain.RunRejected:
		return &exitError{code: exitRejected, reason: "run rejected by constitution"}
	case domain.RunHalted:
		return &exitError{code: exitHalted, reason: "run halted: " + state.Reason}
	default:
		return nil
	}
}

// parseInput accepts JSON values and falls back to the raw string.
func parseInput(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// cliLogger logs to stderr so stdout carries only the JSON result.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if format == "" {
		format = "text"
	}
	if !cmd.Flags().Changed("log-level") {
		level = "warn"
	}
	logger := logging.NewLogger(logging.Config{Level: level, Format: format, Output: os.Stderr})
	slog.SetDefault(logger)
	return logger
}
