package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/logging"
	"github.com/dontdude/syscore/internal/platform/docker"
	"github.com/dontdude/syscore/internal/trace"
)

type fakeImages struct {
	err       error
	calls     int
	forgotten []domain.Language
}

func (f *fakeImages) EnsureImage(context.Context, domain.Language) error {
	f.calls++
	return f.err
}

func (f *fakeImages) Forget(lang domain.Language) {
	f.forgotten = append(f.forgotten, lang)
}

// fakeRunner "executes" python print statements by echoing a canned output.
type fakeRunner struct {
	out  domain.RunOutput
	err  error
	jobs []domain.Job
}

func (f *fakeRunner) Run(_ context.Context, job domain.Job) (domain.RunOutput, error) {
	f.jobs = append(f.jobs, job)
	return f.out, f.err
}

type upload struct {
	jobID  string
	events []domain.TraceEvent
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	uploads []upload
}

func (f *fakeStore) Upload(_ context.Context, jobID string, events []domain.TraceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload{jobID: jobID, events: events})
	return f.err
}

type fakeBroadcaster struct {
	msgs []string
	done []string
	err  error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, _ string, msg string) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakeBroadcaster) Done(_ context.Context, jobID string) error {
	f.done = append(f.done, jobID)
	return nil
}

func newTestExecutor(images *fakeImages, runner *fakeRunner, store *fakeStore, opts ...Option) *Executor {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(images, runner, store, opts...)
}

func TestExecuteUploadsTrace(t *testing.T) {
	images := &fakeImages{}
	runner := &fakeRunner{out: domain.RunOutput{Logs: []byte("1\n")}}
	store := &fakeStore{}
	e := newTestExecutor(images, runner, store)

	res, err := e.Execute(context.Background(), domain.Python, "print(1)")
	require.NoError(t, err)

	require.NotEmpty(t, res.JobID)
	assert.True(t, res.Uploaded)
	require.Len(t, store.uploads, 1)
	assert.Equal(t, res.JobID, store.uploads[0].jobID)
	assert.Contains(t, store.uploads[0].events, domain.StdoutEvent("1"))

	require.Len(t, runner.jobs, 1)
	assert.Equal(t, res.JobID, runner.jobs[0].ID)
	assert.Equal(t, "print(1)", runner.jobs[0].Code)
}

func TestExecuteIsDeterministic(t *testing.T) {
	output := []byte("line 1\n" + trace.Sentinel + `{"type":"Line","line":1}` + "\n4\n")
	for range 5 {
		store := &fakeStore{}
		e := newTestExecutor(&fakeImages{}, &fakeRunner{out: domain.RunOutput{Logs: output}}, store)

		res, err := e.Execute(context.Background(), domain.Python, "print(2+2)")
		require.NoError(t, err)
		assert.Equal(t, []domain.TraceEvent{
			domain.StdoutEvent("line 1"),
			{"type": "Line", "line": 1.0},
			domain.StdoutEvent("4"),
		}, res.Events)
	}
}

func TestExecuteNonZeroExitIsNotAFailure(t *testing.T) {
	runner := &fakeRunner{out: domain.RunOutput{Logs: []byte("Traceback\n"), ExitCode: 1}}
	e := newTestExecutor(&fakeImages{}, runner, &fakeStore{})

	res, err := e.Execute(context.Background(), domain.Python, "raise ValueError")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, res.Uploaded)
}

func TestExecuteEmptyTraceSkipsUpload(t *testing.T) {
	store := &fakeStore{}
	e := newTestExecutor(&fakeImages{}, &fakeRunner{}, store)

	res, err := e.Execute(context.Background(), domain.Python, "pass")
	require.NoError(t, err)
	assert.False(t, res.Uploaded)
	assert.Empty(t, store.uploads)
}

func TestExecuteStages(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		images    *fakeImages
		runner    *fakeRunner
		store     *fakeStore
		wantStage domain.Stage
	}{
		{
			name:      "provision",
			images:    &fakeImages{err: docker.ErrBuildContextNotFound},
			runner:    &fakeRunner{},
			store:     &fakeStore{},
			wantStage: domain.StageProvision,
		},
		{
			name:      "create",
			images:    &fakeImages{},
			runner:    &fakeRunner{err: &docker.ClientError{Op: docker.OpCreate, Err: boom}},
			store:     &fakeStore{},
			wantStage: domain.StageCreate,
		},
		{
			name:      "start",
			images:    &fakeImages{},
			runner:    &fakeRunner{err: &docker.ClientError{Op: docker.OpStart, ContainerID: "c1", Err: boom}},
			store:     &fakeStore{},
			wantStage: domain.StageStart,
		},
		{
			name:      "timeout",
			images:    &fakeImages{},
			runner:    &fakeRunner{out: domain.RunOutput{Logs: []byte("tick\n"), ExitCode: -1, TimedOut: true}},
			store:     &fakeStore{},
			wantStage: domain.StageTimeout,
		},
		{
			name:      "upload",
			images:    &fakeImages{},
			runner:    &fakeRunner{out: domain.RunOutput{Logs: []byte("1\n")}},
			store:     &fakeStore{err: boom},
			wantStage: domain.StageUpload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(tt.images, tt.runner, tt.store)

			res, err := e.Execute(context.Background(), domain.Python, "print(1)")
			require.Error(t, err)

			var execErr *domain.ExecError
			require.True(t, errors.As(err, &execErr))
			assert.Equal(t, tt.wantStage, execErr.Stage)
			assert.Equal(t, res.JobID, execErr.JobID)
			assert.Equal(t, tt.wantStage == domain.StageUpload, execErr.RanButUploadFailed())
		})
	}
}

func TestExecuteTimeoutDoesNotUpload(t *testing.T) {
	store := &fakeStore{}
	runner := &fakeRunner{out: domain.RunOutput{Logs: []byte("tick\n"), TimedOut: true}}
	e := newTestExecutor(&fakeImages{}, runner, store)

	_, err := e.Execute(context.Background(), domain.Python, "while True: print('tick')")
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Empty(t, store.uploads)
}

func TestExecuteForgetsMissingImage(t *testing.T) {
	images := &fakeImages{}
	notFound := fmt.Errorf("No such image: %w", errdefs.ErrNotFound)
	runner := &fakeRunner{err: &docker.ClientError{Op: docker.OpCreate, Image: "okernel/python-runner", Err: notFound}}
	e := newTestExecutor(images, runner, &fakeStore{})

	_, err := e.Execute(context.Background(), domain.Python, "print(1)")
	require.Error(t, err)
	assert.Equal(t, []domain.Language{domain.Python}, images.forgotten)
}

func TestExecuteBroadcastsEvents(t *testing.T) {
	b := &fakeBroadcaster{}
	runner := &fakeRunner{out: domain.RunOutput{Logs: []byte("a\n" + trace.Sentinel + `{"type":"ProcessExit","code":0}` + "\n")}}
	e := newTestExecutor(&fakeImages{}, runner, &fakeStore{}, WithBroadcaster(b))

	res, err := e.Execute(context.Background(), domain.Python, "print('a')")
	require.NoError(t, err)

	assert.Equal(t, []string{
		`{"content":"a","type":"Stdout"}`,
		`{"code":0,"type":"ProcessExit"}`,
	}, b.msgs)
	assert.Equal(t, []string{res.JobID}, b.done)
}

func TestExecuteBroadcastFailureIsIgnored(t *testing.T) {
	b := &fakeBroadcaster{err: errors.New("redis down")}
	runner := &fakeRunner{out: domain.RunOutput{Logs: []byte("a\n")}}
	e := newTestExecutor(&fakeImages{}, runner, &fakeStore{}, WithBroadcaster(b))

	res, err := e.Execute(context.Background(), domain.Python, "print('a')")
	require.NoError(t, err)
	assert.True(t, res.Uploaded)
	assert.Len(t, b.msgs, 1)
}
