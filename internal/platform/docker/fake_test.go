package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeAPI is an in-memory daemon. It counts every lifecycle call so tests can check that
// nothing leaks.
type fakeAPI struct {
	mu sync.Mutex

	versionErr error
	listErr    error

	imagePresent    bool
	imageInspectErr error
	imageInspects   int
	buildErr        error
	buildStream     string
	buildGate       chan struct{}
	buildStarts     int
	builds          int
	buildContext    []byte
	buildOptions    build.ImageBuildOptions

	createErr error
	startErr  error
	waitErr   error
	logsErr   error
	// hang makes ContainerWait block until its context ends.
	hang     bool
	exitCode int64
	stdout   string
	stderr   string

	creates    int
	removes    int
	kills      int
	names      []string
	lastConfig *container.Config
	lastHost   *container.HostConfig
	running    map[string]bool
	labels     map[string]map[string]string
	// gone is closed when a container is removed; a hanging wait returns then, like the daemon's.
	gone map[string]chan struct{}

	execCreates int
	execCmds    [][]string
	execExit    int
	// execHang keeps the attached stream open until the caller closes it.
	execHang bool
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		running: make(map[string]bool),
		labels:  make(map[string]map[string]string),
		gone:    make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) counts() (creates, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.removes
}

func (f *fakeAPI) startedBuilds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buildStarts
}

func (f *fakeAPI) ServerVersion(context.Context) (types.Version, error) {
	if f.versionErr != nil {
		return types.Version{}, f.versionErr
	}
	return types.Version{Version: "28.5.2", APIVersion: "1.51"}, nil
}

func (f *fakeAPI) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []image.Summary{}, nil
}

func (f *fakeAPI) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageInspects++
	if f.imageInspectErr != nil {
		return image.InspectResponse{}, f.imageInspectErr
	}
	if !f.imagePresent {
		return image.InspectResponse{}, fmt.Errorf("no such image %s: %w", ref, errdefs.ErrNotFound)
	}
	return image.InspectResponse{ID: "sha256:" + ref}, nil
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	f.buildStarts++
	f.mu.Unlock()

	if f.buildGate != nil {
		select {
		case <-f.buildGate:
		case <-ctx.Done():
			return build.ImageBuildResponse{}, ctx.Err()
		}
	}
	body, err := io.ReadAll(buildContext)
	if err != nil {
		return build.ImageBuildResponse{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.buildContext = body
	f.buildOptions = options
	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}

	stream := f.buildStream
	if stream == "" {
		stream = `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"stream":"Successfully built\n"}`
	}
	if !strings.Contains(stream, "error") {
		f.imagePresent = true
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.creates++
	f.names = append(f.names, name)
	f.lastConfig = config
	f.lastHost = hostConfig
	id := fmt.Sprintf("c%d", f.creates)
	f.running[id] = false
	f.labels[id] = config.Labels
	f.gone[id] = make(chan struct{})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[id] = true
	return nil
}

func (f *fakeAPI) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	f.mu.Lock()
	gone := f.gone[id]
	f.mu.Unlock()

	switch {
	case f.hang:
		go func() {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
			case <-gone:
				statusCh <- container.WaitResponse{StatusCode: 137}
			}
		}()
	case f.waitErr != nil:
		errCh <- f.waitErr
	default:
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return statusCh, errCh
}

func (f *fakeAPI) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.running[id] = false
	return nil
}

func (f *fakeAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return io.NopCloser(bytes.NewReader(f.frames())), nil
}

// frames renders stdout and stderr in the daemon's multiplexed format.
func (f *fakeAPI) frames() []byte {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return buf.Bytes()
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	delete(f.running, id)
	delete(f.labels, id)
	close(f.gone[id])
	delete(f.gone, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Running: running},
		},
	}, nil
}

func (f *fakeAPI) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []container.Summary
	for id, labels := range f.labels {
		if matchesLabels(labels, options.Filters.Get("label")) {
			out = append(out, container.Summary{ID: id, Labels: labels})
		}
	}
	return out, nil
}

// matchesLabels applies "key=value" label filters the way the daemon does.
func matchesLabels(labels map[string]string, want []string) bool {
	for _, w := range want {
		k, v, _ := strings.Cut(w, "=")
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCreates++
	f.execCmds = append(f.execCmds, options.Cmd)
	return container.ExecCreateResponse{ID: fmt.Sprintf("e%d", f.execCreates)}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	local, remote := net.Pipe()
	payload := f.frames()
	hang := f.execHang

	go func() {
		defer remote.Close()
		if hang {
			// Returns once the caller closes its end.
			_, _ = io.Copy(io.Discard, remote)
			return
		}
		if len(payload) > 0 {
			_, _ = remote.Write(payload)
		}
	}()

	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
}

func (f *fakeAPI) ContainerExecInspect(_ context.Context, id string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: id, ExitCode: f.execExit}, nil
}

func (f *fakeAPI) Close() error { return nil }
