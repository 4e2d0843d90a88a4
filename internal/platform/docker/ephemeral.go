package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/profiler"
)

// Ephemeral runs every job in its own container: create, start, wait, collect logs, destroy.
// Nothing survives between jobs.
type Ephemeral struct {
	api    API
	cfg    RunnerConfig
	logger *slog.Logger
}

// Check if Ephemeral implements domain.ContainerRunner
var _ domain.ContainerRunner = (*Ephemeral)(nil)

// NewEphemeral returns the per-job runner.
func NewEphemeral(api API, cfg RunnerConfig, logger *slog.Logger) *Ephemeral {
	return &Ephemeral{api: api, cfg: cfg, logger: logger}
}

// ContainerName is the name given to the container of a job.
func (e *Ephemeral) ContainerName(jobID string) string {
	return fmt.Sprintf("%s-job-%s", e.cfg.Prefix, jobID)
}

// Run executes job in a fresh container. Every container that gets created is force-removed
// before Run returns, on every path. Wait and log-retrieval failures are logged and the run
// carries on with whatever output was recovered.
func (e *Ephemeral) Run(ctx context.Context, job domain.Job) (domain.RunOutput, error) {
	spec, err := profiler.Lookup(job.Language)
	if err != nil {
		return domain.RunOutput{}, err
	}
	log := e.logger.With("jobID", job.ID)
	name := e.ContainerName(job.ID)

	// 1. Create with the command baked in
	log.Debug("Spawning container", "name", name, "image", spec.Image)
	resp, err := e.api.ContainerCreate(ctx,
		e.cfg.containerConfig(spec.Image, spec.Wrap(job.Code), job.Language, job.ID),
		e.cfg.Limits.hostConfig(),
		nil, nil, name)
	if err != nil {
		return domain.RunOutput{}, &ClientError{Op: OpCreate, Image: spec.Image, Err: err}
	}
	id := resp.ID

	// From here on the container exists. Cleanup must not depend on the caller's context staying alive.
	cleanupCtx := context.WithoutCancel(ctx)
	defer removeContainer(cleanupCtx, e.api, log, id)

	// 2. Start
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return domain.RunOutput{}, &ClientError{Op: OpStart, Image: spec.Image, ContainerID: id, Err: err}
	}
	log.Info("Container started", "containerID", id)

	// 3. Wait
	out := domain.RunOutput{}
	out.ExitCode, out.TimedOut = e.wait(ctx, cleanupCtx, log, id)

	// 4. Collect combined output
	out.Logs = collectLogs(cleanupCtx, e.api, log, id)

	return out, nil
}

// wait blocks until the container stops. Any exit code is accepted.
func (e *Ephemeral) wait(ctx, cleanupCtx context.Context, log *slog.Logger, id string) (exitCode int, timedOut bool) {
	waitCtx, cancel := withOptionalTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	statusCh, errCh := e.api.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil {
			log.Warn("Container wait reported an error", "containerID", id, "error", st.Error.Message)
		}
		log.Debug("Container exited", "containerID", id, "exitCode", st.StatusCode)
		return int(st.StatusCode), false
	case err := <-errCh:
		if waitCtx.Err() != nil && ctx.Err() == nil {
			log.Warn("Execution timed out, killing container", "containerID", id, "timeout", e.cfg.Timeout)
			if kerr := e.api.ContainerKill(cleanupCtx, id, "KILL"); kerr != nil {
				log.Warn("Failed to kill container", "containerID", id, "error", kerr)
			}
			return -1, true
		}
		log.Warn("Wait failed or container crashed", "containerID", id, "error", err)
		return -1, false
	}
}

// collectLogs reads stdout and stderr of a stopped container into one buffer, preserving frame order.
// Errors are logged; whatever was read before the error is returned.
func collectLogs(ctx context.Context, api API, log *slog.Logger, id string) []byte {
	rc, err := api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.Warn("Log retrieval error", "containerID", id, "error", err)
		return nil
	}
	defer rc.Close()

	out, err := demux(rc)
	if err != nil {
		log.Warn("Log retrieval error", "containerID", id, "error", err)
	}
	return out
}

// demux strips the runtime's stream framing, interleaving stdout and stderr in arrival order.
func demux(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := stdcopy.StdCopy(&buf, &buf, r)
	return buf.Bytes(), err
}

// removeContainer force-removes id. Failures are logged and never propagated,
// so they cannot mask the job's real result.
func removeContainer(ctx context.Context, api API, log *slog.Logger, id string) {
	log.Debug("Destroying container", "containerID", id)
	if err := api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Error("Failed to remove container", "containerID", id, "error", err)
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
