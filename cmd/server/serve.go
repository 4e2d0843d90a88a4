package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/syscore/internal/app"
	"github.com/dontdude/syscore/internal/config"
	"github.com/dontdude/syscore/internal/platform/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API (default)",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	fxApp := fx.New(
		fx.Supply(cfg, logger),
		fx.Provide(
			newRuntime,
			newLimiter,
			newServer,
		),
		fx.Invoke(runServer),
		// Long enough for a running job to finish before its container is swept.
		fx.StopTimeout(app.StopTimeout(cfg)),
		// Use the application logger for fx logs
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
	)
	if err := fxApp.Err(); err != nil {
		return err
	}

	// Blocks until SIGINT/SIGTERM or a component asks for shutdown.
	fxApp.Run()
	return nil
}

// newRuntime connects to Docker (fail-fast) and ties the runtime's teardown to the app lifecycle.
// On stop, running jobs get until shortly before the stop deadline; whatever they leave behind is removed.
func newRuntime(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*app.Runtime, error) {
	rt, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			rt.Pool.Start()
			return nil
		},
		OnStop: rt.Shutdown,
	})
	return rt, nil
}

// newLimiter evicts idle visitors until the app stops.
func newLimiter(lc fx.Lifecycle, cfg *config.Config) *web.RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.StopHook(cancel))
	return web.NewRateLimiter(ctx, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
}

func newServer(cfg *config.Config, rt *app.Runtime, limiter *web.RateLimiter, logger *slog.Logger) *web.Server {
	return web.NewServer(cfg.Server.Addr, rt.Pool, rt.Registry, limiter, logger)
}

// runServer runs the HTTP server and, when Redis is configured, the event relay.
// If either fails, the whole app shuts down with a non-zero exit code.
func runServer(lc fx.Lifecycle, sd fx.Shutdowner, rt *app.Runtime, srv *web.Server, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if rt.Bridge != nil {
				g.Go(func() error { return rt.Bridge.Relay(gctx, rt.Registry) })
			}

			go func() {
				defer close(done)
				if err := g.Wait(); err != nil {
					logger.Error("Server stopped unexpectedly", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
