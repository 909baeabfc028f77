// Package main is the entry point for the agentlayer binary: it serves the
// HTTP API, runs graphs locally and queries a running server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultLogLevel = "info"
	defaultAPIURL   = "http://localhost:8080"
)

// Exit codes of the run command.
const (
	exitRejected = 2
	exitHalted   = 3
)

// exitError carries a process exit code after output was already written.
type exitError struct {
	code   int
	reason string
}

func (e *exitError) Error() string {
	return e.reason
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the agentlayer command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentlayer",
		Short: "Constitution-gated agent graph engine",
		Long: `agentlayer executes declarative graphs of agent steps. Every step output is
checked against a constitution before the graph may advance.

Examples:
  agentlayer init
  agentlayer serve --config agentlayer.yaml
  agentlayer run --graph flow.yaml --constitution constitution.yaml --input '"hello"'
  agentlayer validate --graph flow.yaml
  agentlayer score --api http://localhost:8080
  agentlayer report --output report.html`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newRunCmd(),
		newValidateCmd(),
		newTraceCmd(),
		newScoreCmd(),
		newReportCmd(),
	)
	return rootCmd
}
