package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedRunner blocks every job until release is closed and tracks peak concurrency.
type gatedRunner struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	err     error
}

func (r *gatedRunner) Run(_ context.Context, job domain.Job) (domain.Result, error) {
	n := r.active.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-r.release
	r.active.Add(-1)
	return domain.Result{JobID: job.ID, ExitCode: len(job.Code)}, r.err
}

func TestPoolCapsConcurrency(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{})}
	p := NewPool(2, runner, logging.Discard())
	p.Start()
	defer p.Stop()

	const jobs = 6
	var wg sync.WaitGroup
	results := make([]domain.Result, jobs)
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Submit(context.Background(), domain.NewJob(domain.Python, "print(1)"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(runner.release)
	wg.Wait()

	assert.EqualValues(t, 2, runner.peak.Load())
	for _, res := range results {
		assert.NotEmpty(t, res.JobID)
		assert.Equal(t, len("print(1)"), res.ExitCode)
	}
}

func TestPoolPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	runner := &gatedRunner{release: make(chan struct{}), err: boom}
	close(runner.release)

	p := NewPool(1, runner, logging.Discard())
	p.Start()
	defer p.Stop()

	job := domain.NewJob(domain.Cpp, "int main(){}")
	res, err := p.Submit(context.Background(), job)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, job.ID, res.JobID)
}

func TestSubmitHonoursContextWhileSaturated(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{})}
	p := NewPool(1, runner, logging.Discard())
	p.Start()

	go func() { _, _ = p.Submit(context.Background(), domain.NewJob(domain.Python, "busy")) }()
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, domain.NewJob(domain.Python, "waiting"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(runner.release)
	p.Stop()
}

func TestSubmitAfterStop(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{})}
	close(runner.release)
	p := NewPool(2, runner, logging.Discard())
	p.Start()
	p.Stop()
	p.Stop()

	_, err := p.Submit(context.Background(), domain.NewJob(domain.Python, "late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopWaitsForRunningJob(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{})}
	p := NewPool(1, runner, logging.Discard())
	p.Start()

	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), domain.NewJob(domain.Python, "slow"))
		done <- err
	}()
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(runner.release)
	<-stopped
	assert.NoError(t, <-done)
}

func TestShutdownGivesUpAtDeadline(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{})}
	p := NewPool(1, runner, logging.Discard())
	p.Start()

	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), domain.NewJob(domain.Python, "slow"))
		done <- err
	}()
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	// The job was not abandoned by the pool itself; it still completes.
	close(runner.release)
	require.NoError(t, <-done)
	p.Stop()
}
