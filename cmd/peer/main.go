// Package main provides the entry point for the peer CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/peer/cmd/peer/commands"
	"github.com/Sumatoshi-tech/peer/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "peer",
		Short: "Peer - automated pull request review and autofix",
		Long: `Peer analyzes pull requests for security and quality findings and can
propose, preview, and apply fixes.

Commands:
  analyze   Analyze a local directory or file
  serve     Run the webhook-driven review service
  mcp       Start the MCP server for AI agent integration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewAnalyzeCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewMCPCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "peer %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
