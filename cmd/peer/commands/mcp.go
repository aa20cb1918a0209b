package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/peer/internal/mcp"
	"github.com/Sumatoshi-tech/peer/internal/observability"
	pkgobs "github.com/Sumatoshi-tech/peer/pkg/observability"
	"github.com/Sumatoshi-tech/peer/pkg/version"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The MCP server exposes Peer's analyzers as tools that AI agents can
discover and invoke:
  - peer_analyze: analyze an inline code snippet
  - peer_analyze_path: analyze a local directory or file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			providers, err := initMCPObservability(debug)
			if err != nil {
				return err
			}

			defer func() {
				shutdownErr := providers.Shutdown(context.Background())
				if shutdownErr != nil {
					providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
				}
			}()

			red, redErr := observability.NewREDMetrics(providers.Meter)
			if redErr != nil {
				return redErr
			}

			deps := mcp.ServerDeps{Logger: providers.Logger, Metrics: red, Tracer: providers.Tracer}

			srv := mcp.NewServer(deps)

			return srv.Run(cobraCmd.Context())
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging to stderr")

	return cmd
}

// initMCPObservability configures telemetry for stdio serving. Stdout is
// the protocol channel, so all logging goes to stderr.
func initMCPObservability(debug bool) (pkgobs.Providers, error) {
	cfg := pkgobs.DefaultConfig()
	cfg.ServiceVersion = version.Version
	cfg.Mode = pkgobs.ModeMCP
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPHeaders = pkgobs.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.DebugTrace = debug

	if debug {
		cfg.LogLevel = slog.LevelDebug
	}

	providers, err := pkgobs.Init(cfg)
	if err != nil {
		return pkgobs.Providers{}, fmt.Errorf("init observability: %w", err)
	}

	return providers, nil
}
