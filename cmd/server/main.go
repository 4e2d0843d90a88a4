// Package main is the entry point of the SysCore orchestrator.
//
// `serve` (the default) runs the HTTP API, `mcp` exposes the same pipeline as an MCP tool on
// stdio, `health` checks the Docker daemon and `version` prints build information.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/dontdude/syscore/internal/config"
	"github.com/dontdude/syscore/internal/logging"
)

func main() {
	// never print messages twice
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("syscore-server failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "syscore-server",
	Short:        "Sandboxed code-execution orchestrator",
	SilenceUsage: true,
	RunE:         doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "syscore: %s\n", version())
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Fprintf(out, "go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:    %s\n", s.Value)
			}
		}
	},
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// setup loads configuration and installs the default logger.
// Logs go to stderr so stdout stays free for the MCP transport.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
