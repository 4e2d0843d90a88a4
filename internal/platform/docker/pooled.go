package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/profiler"
)

// idleCmd keeps a pooled runner alive between jobs.
var idleCmd = []string{"sleep", "infinity"}

// Pooled keeps one long-lived container per language and injects each job into it as an exec.
//
// Per-job latency is lower than Ephemeral, but isolation is weaker: anything a job writes to the
// container's filesystem is visible to the next job of the same language.
type Pooled struct {
	api    API
	cfg    RunnerConfig
	logger *slog.Logger

	// mu guards runners only for lookup and insert; no runtime call is made while holding it.
	mu      sync.Mutex
	runners map[domain.Language]string
}

// Check if Pooled implements domain.ContainerRunner
var _ domain.ContainerRunner = (*Pooled)(nil)

// NewPooled returns an empty pool; runners are created lazily on first use.
func NewPooled(api API, cfg RunnerConfig, logger *slog.Logger) *Pooled {
	return &Pooled{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		runners: make(map[domain.Language]string),
	}
}

// Run executes job inside the pooled runner for its language.
func (p *Pooled) Run(ctx context.Context, job domain.Job) (domain.RunOutput, error) {
	spec, err := profiler.Lookup(job.Language)
	if err != nil {
		return domain.RunOutput{}, err
	}
	log := p.logger.With("jobID", job.ID, "language", job.Language)

	id, err := p.acquire(ctx, log, job.Language, spec.Image)
	if err != nil {
		return domain.RunOutput{}, err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	execCtx, cancel := withOptionalTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	created, err := p.api.ContainerExecCreate(execCtx, id, container.ExecOptions{
		Cmd:          spec.Wrap(job.Code),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return domain.RunOutput{}, &ClientError{Op: OpStart, Image: spec.Image, ContainerID: id, Err: err}
	}

	hj, err := p.api.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return domain.RunOutput{}, &ClientError{Op: OpStart, Image: spec.Image, ContainerID: id, Err: err}
	}
	defer hj.Close()
	// The hijacked stream ignores contexts; closing it is the only way to unblock the read.
	stop := context.AfterFunc(execCtx, hj.Close)
	defer stop()

	log.Info("Exec started in pooled runner", "containerID", id, "execID", created.ID)

	out := domain.RunOutput{ExitCode: -1}
	logs, rerr := demux(hj.Reader)
	out.Logs = logs

	if execCtx.Err() != nil && ctx.Err() == nil {
		// The exec'd process may still be running; the whole runner has to go.
		log.Warn("Execution timed out, discarding pooled runner", "containerID", id, "timeout", p.cfg.Timeout)
		p.evict(cleanupCtx, log, job.Language, id)
		out.TimedOut = true
		return out, nil
	}
	if rerr != nil {
		log.Warn("Log retrieval error", "containerID", id, "error", rerr)
	}

	insp, err := p.api.ContainerExecInspect(cleanupCtx, created.ID)
	if err != nil {
		log.Warn("Exec inspect failed", "execID", created.ID, "error", err)
		return out, nil
	}
	out.ExitCode = insp.ExitCode
	log.Debug("Exec exited", "execID", created.ID, "exitCode", insp.ExitCode)
	return out, nil
}

// acquire returns a live runner for lang, creating or replacing it as needed.
func (p *Pooled) acquire(ctx context.Context, log *slog.Logger, lang domain.Language, image string) (string, error) {
	p.mu.Lock()
	id, ok := p.runners[lang]
	p.mu.Unlock()

	if ok {
		if p.alive(ctx, id) {
			return id, nil
		}
		log.Warn("Pooled runner is not running, replacing it", "containerID", id)
		p.evict(context.WithoutCancel(ctx), log, lang, id)
	}

	return p.spawn(ctx, log, lang, image)
}

// alive is the liveness probe run before every reuse.
func (p *Pooled) alive(ctx context.Context, id string) bool {
	insp, err := p.api.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return insp.ContainerJSONBase != nil && insp.State != nil && insp.State.Running
}

func (p *Pooled) spawn(ctx context.Context, log *slog.Logger, lang domain.Language, image string) (string, error) {
	// Unique suffix so two concurrent spawns for the same language never collide on the name.
	name := fmt.Sprintf("%s-runner-%s-%s", p.cfg.Prefix, lang, uuid.NewString()[:8])

	resp, err := p.api.ContainerCreate(ctx,
		p.cfg.containerConfig(image, idleCmd, lang, ""),
		p.cfg.Limits.hostConfig(),
		nil, nil, name)
	if err != nil {
		return "", &ClientError{Op: OpCreate, Image: image, Err: err}
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		removeContainer(cleanupCtx, p.api, log, resp.ID)
		return "", &ClientError{Op: OpStart, Image: image, ContainerID: resp.ID, Err: err}
	}

	p.mu.Lock()
	existing, raced := p.runners[lang]
	if !raced {
		p.runners[lang] = resp.ID
	}
	p.mu.Unlock()

	if raced {
		// Another job installed a runner first; use that one and drop ours.
		removeContainer(cleanupCtx, p.api, log, resp.ID)
		return existing, nil
	}

	log.Info("Pooled runner started", "containerID", resp.ID, "name", name)
	return resp.ID, nil
}

// evict forgets id for lang (if it is still the registered runner) and destroys it.
func (p *Pooled) evict(ctx context.Context, log *slog.Logger, lang domain.Language, id string) {
	p.mu.Lock()
	if p.runners[lang] == id {
		delete(p.runners, lang)
	}
	p.mu.Unlock()

	removeContainer(ctx, p.api, log, id)
}

// Close destroys every pooled runner.
func (p *Pooled) Close(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.runners))
	for lang, id := range p.runners {
		ids = append(ids, id)
		delete(p.runners, lang)
	}
	p.mu.Unlock()

	for _, id := range ids {
		removeContainer(ctx, p.api, p.logger, id)
	}
}

// Size reports how many runners are currently pooled.
func (p *Pooled) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}
