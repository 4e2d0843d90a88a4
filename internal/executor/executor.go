// Package executor drives one job through the sandbox pipeline:
// ensure image, run in a container, decode the trace, broadcast it, upload it.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/containerd/errdefs"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/platform/docker"
	"github.com/dontdude/syscore/internal/trace"
)

// ErrTimedOut is the cause carried by an ExecError at StageTimeout.
var ErrTimedOut = errors.New("execution timed out")

// forgetter is implemented by provisioners that cache image presence.
type forgetter interface {
	Forget(lang domain.Language)
}

// Executor owns the per-job state machine. It holds no per-job state itself and is safe for concurrent use.
type Executor struct {
	images      domain.ImageProvisioner
	runner      domain.ContainerRunner
	store       domain.TraceStore
	broadcaster domain.Broadcaster
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithBroadcaster publishes every decoded event of a job as it is decoded.
func WithBroadcaster(b domain.Broadcaster) Option {
	return func(e *Executor) { e.broadcaster = b }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an executor over the given collaborators.
func New(images domain.ImageProvisioner, runner domain.ContainerRunner, store domain.TraceStore, opts ...Option) *Executor {
	e := &Executor{
		images: images,
		runner: runner,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs code as a new job.
func (e *Executor) Execute(ctx context.Context, lang domain.Language, code string) (domain.Result, error) {
	return e.Run(ctx, domain.NewJob(lang, code))
}

// Run takes job through the whole pipeline. Failures are returned as *domain.ExecError.
// A guest exiting non-zero is not a failure; its exit code is reported in the Result.
func (e *Executor) Run(ctx context.Context, job domain.Job) (domain.Result, error) {
	log := e.logger.With("jobID", job.ID, "language", job.Language)
	res := domain.Result{JobID: job.ID}

	if err := e.images.EnsureImage(ctx, job.Language); err != nil {
		return res, &domain.ExecError{JobID: job.ID, Stage: domain.StageProvision, Err: err}
	}

	out, err := e.runner.Run(ctx, job)
	if err != nil {
		stage := stageOf(err)
		if stage == domain.StageCreate && errdefs.IsNotFound(err) {
			// The image vanished behind our back; the next job re-checks it.
			if f, ok := e.images.(forgetter); ok {
				f.Forget(job.Language)
			}
		}
		return res, &domain.ExecError{JobID: job.ID, Stage: stage, Err: err}
	}
	res.ExitCode = out.ExitCode

	res.Events = e.decode(ctx, log, job.ID, out.Logs)

	if out.TimedOut {
		return res, &domain.ExecError{JobID: job.ID, Stage: domain.StageTimeout, Err: ErrTimedOut}
	}

	if len(res.Events) == 0 {
		log.Warn("No events decoded, skipping trace upload")
		return res, nil
	}

	if err := e.store.Upload(ctx, job.ID, res.Events); err != nil {
		return res, &domain.ExecError{JobID: job.ID, Stage: domain.StageUpload, Err: err}
	}
	res.Uploaded = true

	log.Info("Job completed", "events", len(res.Events), "exitCode", res.ExitCode)
	return res, nil
}

// decode classifies the output and, when a broadcaster is set, forwards each event as JSON.
// Broadcast failures are logged and never fail the job.
func (e *Executor) decode(ctx context.Context, log *slog.Logger, jobID string, logs []byte) []domain.TraceEvent {
	dec := &trace.Decoder{}
	if e.broadcaster != nil {
		bctx := context.WithoutCancel(ctx)
		dec.OnEvent = func(ev domain.TraceEvent) {
			msg, err := json.Marshal(ev)
			if err != nil {
				log.Warn("Failed to encode event for broadcast", "error", err)
				return
			}
			if err := e.broadcaster.Broadcast(bctx, jobID, string(msg)); err != nil {
				log.Warn("Broadcast failed", "error", err)
			}
		}
		defer func() {
			if err := e.broadcaster.Done(bctx, jobID); err != nil {
				log.Warn("Failed to close broadcast", "error", err)
			}
		}()
	}

	_, _ = dec.Write(logs)
	dec.Flush()

	if n := dec.Dropped(); n > 0 {
		log.Warn("Dropped malformed instrumentation lines", "count", n)
	}
	return dec.Events()
}

// stageOf maps a runner failure onto the step it happened in.
func stageOf(err error) domain.Stage {
	var ce *docker.ClientError
	if errors.As(err, &ce) && ce.Op == docker.OpCreate {
		return domain.StageCreate
	}
	return domain.StageStart
}
