package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dontdude/syscore/internal/domain"
)

// ErrStopped is returned by Submit once the pool is shutting down.
var ErrStopped = errors.New("worker pool stopped")

// Runner takes one job through the pipeline. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, job domain.Job) (domain.Result, error)
}

type outcome struct {
	res domain.Result
	err error
}

type task struct {
	ctx    context.Context
	job    domain.Job
	result chan outcome
}

// Pool implements a fixed-size worker pool pattern.
// It caps how many sandbox containers run at the same time.
type Pool struct {
	// workerCount determines how many concurrent containers can run.
	workerCount int
	// tasksCh is unbuffered: a task is either picked up by a worker or never accepted.
	tasksCh chan task
	quit    chan struct{}
	stop    sync.Once
	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	runner Runner
	logger *slog.Logger
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, runner Runner, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		tasksCh:     make(chan task),
		quit:        make(chan struct{}),
		runner:      runner,
		logger:      logger,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := range p.workerCount {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop refuses new work, lets running jobs finish, and blocks until every worker has exited.
// It is safe to call more than once.
func (p *Pool) Stop() {
	_ = p.Shutdown(context.Background())
}

// Shutdown is Stop bounded by ctx. If ctx ends first it returns ctx.Err() while the remaining
// jobs keep running; their containers are then the caller's to clean up.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stop.Do(func() {
		p.logger.Info("Stopping worker pool, waiting for running jobs to finish...")
		close(p.quit)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool did not drain in time", "error", ctx.Err())
		return ctx.Err()
	}
}

// Submit runs job on the next free worker and waits for its result.
// It blocks while every worker is busy; ctx bounds only that wait and the wait for the result,
// the job itself runs under ctx as handed to the runner.
func (p *Pool) Submit(ctx context.Context, job domain.Job) (domain.Result, error) {
	t := task{ctx: ctx, job: job, result: make(chan outcome, 1)}

	select {
	case p.tasksCh <- t:
	case <-p.quit:
		return domain.Result{JobID: job.ID}, ErrStopped
	case <-ctx.Done():
		return domain.Result{JobID: job.ID}, ctx.Err()
	}

	select {
	case out := <-t.result:
		return out.res, out.err
	case <-ctx.Done():
		return domain.Result{JobID: job.ID}, ctx.Err()
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("Worker started", "workerID", id)

	for {
		select {
		case <-p.quit:
			p.logger.Debug("Worker stopped", "workerID", id)
			return
		case t := <-p.tasksCh:
			p.logger.Debug("Processing job", "workerID", id, "jobID", t.job.ID)
			res, err := p.runner.Run(t.ctx, t.job)
			// Buffered; never blocks even if the submitter gave up.
			t.result <- outcome{res: res, err: err}
		}
	}
}
