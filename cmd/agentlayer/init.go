package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/agentlayer/pkg/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter constitution and graph",
		Long: `Write constitution.yaml (rules R1 to R3: destructive commands, allowed roles,
harmful content) and flow.yaml into dir, the current directory by default.
Existing files are kept unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			res, err := config.Scaffold(dir, force)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, path := range res.Created {
				fmt.Fprintf(out, "created %s\n", path)
			}
			for _, path := range res.Skipped {
				fmt.Fprintf(out, "kept existing %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite existing files")
	return cmd
}
