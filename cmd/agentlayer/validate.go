package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/agentlayer/pkg/config"
	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a graph and constitution without running them",
		RunE:  runValidate,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML); only the llm section is used")
	cmd.Flags().StringP("graph", "g", "", "Path to the graph document")
	cmd.Flags().StringP("constitution", "k", "", "Path to the constitution document")
	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	graphPath, _ := cmd.Flags().GetString("graph")
	constitutionPath, _ := cmd.Flags().GetString("constitution")
	if graphPath == "" && constitutionPath == "" {
		return fmt.Errorf("nothing to validate: pass --graph and/or --constitution")
	}

	configPath, _ := cmd.Flags().GetString("config")
	llmCfg, err := loadLLMConfig(configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(cmd)
	eng := engine.New(engine.Config{Registry: newRegistry(llmCfg, logger), Logger: logger})
	out := cmd.OutOrStdout()

	var constitution *domain.Constitution
	if constitutionPath != "" {
		c, err := config.LoadConstitutionFile(constitutionPath)
		if err != nil {
			return err
		}
		if err := eng.Validate(cmd.Context(), &domain.Graph{Nodes: []domain.Node{{ID: "check", Kind: "passthrough"}}}, c); err != nil {
			return fmt.Errorf("constitution %s: %w", constitutionPath, err)
		}
		constitution = c
		fmt.Fprintf(out, "constitution %s: ok (%d rules)\n", constitutionPath, len(c.Rules))
	}
	if graphPath != "" {
		graph, err := config.LoadGraphFile(graphPath)
		if err != nil {
			return err
		}
		if err := eng.Validate(cmd.Context(), graph, constitution); err != nil {
			return fmt.Errorf("graph %s: %w", graphPath, err)
		}
		fmt.Fprintf(out, "graph %s: ok (%d nodes, %d edges)\n", graphPath, len(graph.Nodes), len(graph.Edges))
	}
	return nil
}
