package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/371-Minds/credvault/internal/logging"
)

var (
	configPath string
	outputJSON bool
	jqFilter   string
)

var rootCmd = &cobra.Command{
	Use:   "credvault",
	Short: "Secure credential vault for autonomous agents",
	Long: `credvault stores encrypted credentials on behalf of agents, enforces
per-credential access, tracks rotation deadlines and audits every access.

Get started:
  credvault serve                  Serve the vault to agents over MCP (stdio)
  credvault health                 Check the encryption round trip
  credvault expiring --days 14     List credentials due for rotation
  credvault templates              Show the credential type catalog
  credvault snapshots              Show saved vault snapshots`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file, JSON or YAML (default: ~/.credvault/settings.json)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&jqFilter, "jq", "", "Filter JSON output through a jq expression")

	rootCmd.AddCommand(
		serveCmd,
		healthCmd,
		expiringCmd,
		templatesCmd,
		snapshotsCmd,
		versionCmd,
	)
}

// setup loads configuration and builds the stderr logger. stdout is
// reserved for command output and the MCP transport.
func setup() (Config, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return Config{}, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func currentOutput() outputOptions {
	return outputOptions{JSON: outputJSON, JQ: jqFilter}
}
