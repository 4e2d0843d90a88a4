package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/syscore/internal/app"
	"github.com/dontdude/syscore/internal/mcpserver"
	"github.com/dontdude/syscore/internal/platform/docker"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "serve the execute_code tool over MCP on stdio",
	RunE:  doMCP,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "check that the Docker daemon is reachable and usable",
	RunE:  doHealth,
}

func doMCP(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	rt, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	rt.Pool.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), app.StopTimeout(cfg))
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			logger.Warn("Jobs were still running at exit", "error", err)
		}
	}()

	return mcpserver.New(rt.Pool, version(), logger).ServeStdio()
}

func doHealth(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	cli, err := docker.NewClient(ctx, cfg.Docker.Host, logger)
	if err != nil {
		return err
	}
	defer cli.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "docker: ok")
	return nil
}
