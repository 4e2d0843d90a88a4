// Package app assembles the orchestrator from configuration. The server and worker binaries
// share it so both run jobs through exactly the same pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/syscore/internal/config"
	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/executor"
	"github.com/dontdude/syscore/internal/hub"
	"github.com/dontdude/syscore/internal/platform/docker"
	"github.com/dontdude/syscore/internal/platform/queue"
	"github.com/dontdude/syscore/internal/platform/web"
	"github.com/dontdude/syscore/internal/store"
	"github.com/dontdude/syscore/internal/worker"
)

const (
	// cleanupReserve is held back from a shutdown deadline for removing leftover containers.
	cleanupReserve = 5 * time.Second
	// unboundedJobGrace is how long shutdown waits for jobs when executions have no timeout.
	unboundedJobGrace = 2 * time.Minute
	stopMargin        = 5 * time.Second
)

// StopTimeout bounds a graceful shutdown. It leaves room for one full execution on top of
// the HTTP drain before leftover containers are swept.
func StopTimeout(cfg *config.Config) time.Duration {
	jobs := cfg.Sandbox.ExecTimeout
	if jobs <= 0 {
		jobs = unboundedJobGrace
	}
	return web.ShutdownTimeout + jobs + cleanupReserve + stopMargin
}

// Runtime is every long-lived component of a running orchestrator.
type Runtime struct {
	Docker      docker.API
	Provisioner *docker.Provisioner
	Runner      domain.ContainerRunner
	Store       *store.Client
	Registry    *hub.Registry
	// Bridge is nil unless Redis is configured.
	Bridge   *queue.RedisBridge
	Executor *executor.Executor
	Pool     *worker.Pool
	// Instance is stamped on every container this runtime creates.
	Instance string

	cleanupReserve time.Duration
	logger         *slog.Logger
}

// New connects to the runtime (and Redis, when configured) and wires the pipeline.
// A daemon that cannot be reached is fatal: no Runtime is returned.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	cli, err := docker.NewClient(ctx, cfg.Docker.Host, logger)
	if err != nil {
		return nil, err
	}

	instance := uuid.NewString()
	rt := &Runtime{
		Docker:         cli,
		Provisioner:    docker.NewProvisioner(cli, cfg.Sandbox.BuildContextDir, logger),
		Runner:         NewRunner(cli, cfg, instance, logger),
		Store:          store.New(cfg.TraceStore.URL, cfg.TraceStore.Key, cfg.TraceStore.Timeout),
		Registry:       hub.New(cfg.Hub.Buffer),
		Instance:       instance,
		cleanupReserve: cleanupReserve,
		logger:         logger,
	}
	if !rt.Store.Configured() {
		logger.Warn("Trace store is not configured; every non-empty trace upload will fail")
	}

	var broadcaster domain.Broadcaster = rt.Registry
	if cfg.Redis.Addr != "" {
		bridge, err := queue.NewRedisBridge(ctx, cfg.Redis.Addr, cfg.Redis.Channel, logger)
		if err != nil {
			_ = cli.Close()
			return nil, err
		}
		rt.Bridge = bridge
		broadcaster = bridge
	}

	rt.Executor = executor.New(rt.Provisioner, rt.Runner, rt.Store,
		executor.WithBroadcaster(broadcaster),
		executor.WithLogger(logger),
	)
	rt.Pool = worker.NewPool(cfg.Sandbox.MaxConcurrentJobs, rt.Executor, logger)

	return rt, nil
}

// NewRunner picks the container lifecycle named by the configuration.
func NewRunner(api docker.API, cfg *config.Config, instance string, logger *slog.Logger) domain.ContainerRunner {
	rc := docker.RunnerConfig{
		Limits: docker.Limits{
			MemoryBytes: cfg.MemoryBytes(),
			NanoCPUs:    cfg.NanoCPUs(),
		},
		Prefix:   cfg.Sandbox.ContainerPrefix,
		Timeout:  cfg.Sandbox.ExecTimeout,
		Instance: instance,
	}

	if cfg.Sandbox.Lifecycle == config.LifecyclePooled {
		logger.Warn("Using pooled runners; files written by one job are visible to the next job of the same language")
		return docker.NewPooled(api, rc, logger)
	}
	return docker.NewEphemeral(api, rc, logger)
}

// Warm makes every runtime image resident so the first job of each language does not pay for a build.
func (rt *Runtime) Warm(ctx context.Context, langs []domain.Language) error {
	for _, l := range langs {
		if err := rt.Provisioner.EnsureImage(ctx, l); err != nil {
			return fmt.Errorf("prepare %s image: %w", l, err)
		}
	}
	return nil
}

// Shutdown stops the pool, waiting for running jobs until cleanupReserve before ctx's deadline,
// then closes the runtime. Containers of jobs still running at that point are force-removed.
// It returns the pool's error when jobs did not finish in time.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	drainCtx, cancel := withReserve(ctx, rt.cleanupReserve)
	defer cancel()
	err := rt.Pool.Shutdown(drainCtx)

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), rt.cleanupReserve)
	defer cancelClose()
	rt.Close(closeCtx)
	return err
}

func withReserve(ctx context.Context, reserve time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(ctx, dl.Add(-reserve))
	}
	return context.WithCancel(ctx)
}

// Close releases pooled runners, any container this runtime still owns, and connections.
func (rt *Runtime) Close(ctx context.Context) {
	if p, ok := rt.Runner.(*docker.Pooled); ok {
		p.Close(ctx)
	}
	if n, err := docker.RemoveInstanceContainers(ctx, rt.Docker, rt.Instance, rt.logger); err != nil {
		rt.logger.Warn("Failed to list leftover containers", "error", err)
	} else if n > 0 {
		rt.logger.Warn("Removed containers of unfinished jobs", "count", n)
	}
	if rt.Bridge != nil {
		if err := rt.Bridge.Close(); err != nil {
			rt.logger.Warn("Failed to close redis bridge", "error", err)
		}
	}
	if err := rt.Docker.Close(); err != nil {
		rt.logger.Warn("Failed to close docker client", "error", err)
	}
}
