package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/klauspost/compress/gzip"
	"github.com/moby/go-archive"
	"golang.org/x/sync/singleflight"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/profiler"
)

// fallbackRoot is tried when the build-context root does not exist relative to the working
// directory, so the service can be started from the repository root or from its parent.
const fallbackRoot = "syscore"

// Provisioner makes runtime images resident, building them from local contexts on demand.
// Images are shared by every job and never removed here.
type Provisioner struct {
	api    API
	root   string
	logger *slog.Logger

	// builds collapses concurrent first-use of the same image into one inspect-or-build.
	builds singleflight.Group

	mu    sync.Mutex
	ready map[string]bool
}

// Check if Provisioner implements domain.ImageProvisioner
var _ domain.ImageProvisioner = (*Provisioner)(nil)

// NewProvisioner returns a provisioner building from <contextRoot>/<language dir>.
func NewProvisioner(api API, contextRoot string, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		api:    api,
		root:   contextRoot,
		logger: logger,
		ready:  make(map[string]bool),
	}
}

// EnsureImage checks whether the image for lang exists and builds it if not.
// Once an image is known to be present, later calls return without touching the daemon.
func (p *Provisioner) EnsureImage(ctx context.Context, lang domain.Language) error {
	spec, err := profiler.Lookup(lang)
	if err != nil {
		return err
	}

	if p.isReady(spec.Image) {
		return nil
	}

	// The flight outlives any single caller: one caller giving up must not fail the
	// others waiting on the same build. Each caller still stops waiting when its own ctx ends.
	flightCtx := context.WithoutCancel(ctx)
	ch := p.builds.DoChan(spec.Image, func() (any, error) {
		// A flight that finished between isReady and DoChan already did the work.
		if p.isReady(spec.Image) {
			return nil, nil
		}
		exists, err := p.imageExists(flightCtx, spec.Image)
		if err != nil {
			return nil, err
		}
		if !exists {
			p.logger.Warn("Image not found, attempting to build", "image", spec.Image)
			if err := p.build(flightCtx, lang, spec); err != nil {
				return nil, err
			}
		}
		p.markReady(spec.Image, true)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops the cached presence of the image for lang, e.g. after the daemon reported it missing.
func (p *Provisioner) Forget(lang domain.Language) {
	if spec, err := profiler.Lookup(lang); err == nil {
		p.markReady(spec.Image, false)
	}
}

func (p *Provisioner) isReady(image string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[image]
}

func (p *Provisioner) markReady(image string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.ready[image] = true
	} else {
		delete(p.ready, image)
	}
}

func (p *Provisioner) imageExists(ctx context.Context, image string) (bool, error) {
	_, err := p.api.ImageInspect(ctx, image)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, &ClientError{Op: OpInspect, Image: image, Err: err}
}

// ContextDir resolves the build-context directory for lang.
func (p *Provisioner) ContextDir(lang domain.Language) (string, error) {
	spec, err := profiler.Lookup(lang)
	if err != nil {
		return "", err
	}

	candidates := []string{filepath.Join(p.root, spec.ContextDir)}
	if !filepath.IsAbs(p.root) {
		candidates = append(candidates, filepath.Join(fallbackRoot, p.root, spec.ContextDir))
	}

	for _, dir := range candidates {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found at %s", ErrBuildContextNotFound, lang, strings.Join(candidates, " or "))
}

func (p *Provisioner) build(ctx context.Context, lang domain.Language, spec profiler.Spec) error {
	dir, err := p.ContextDir(lang)
	if err != nil {
		return err
	}
	p.logger.Info("Building image", "image", spec.Image, "context", dir)

	buildCtx, err := tarContext(dir)
	if err != nil {
		return fmt.Errorf("package build context %s: %w", dir, err)
	}
	defer buildCtx.Close()

	resp, err := p.api.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{spec.Image},
		Remove:      true,
		ForceRemove: true,
		// Runner images install packages at build time.
		NetworkMode: "host",
	})
	if err != nil {
		return &ClientError{Op: OpBuild, Image: spec.Image, Err: err}
	}
	defer resp.Body.Close()

	if err := p.drainBuild(resp.Body, spec.Image); err != nil {
		return err
	}

	p.logger.Info("Successfully built image", "image", spec.Image)
	return nil
}

// drainBuild reads the build progress stream to the end, failing on the first reported error.
func (p *Provisioner) drainBuild(body io.Reader, image string) error {
	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &ClientError{Op: OpBuild, Image: image, Err: fmt.Errorf("build stream error: %w", err)}
		}

		if msg.Error != nil {
			return &ClientError{Op: OpBuild, Image: image, Err: fmt.Errorf("%w: %s", ErrBuildFailed, msg.Error.Message)}
		}
		if msg.ErrorMessage != "" { //nolint:staticcheck // older daemons only fill the plain field
			return &ClientError{Op: OpBuild, Image: image, Err: fmt.Errorf("%w: %s", ErrBuildFailed, msg.ErrorMessage)}
		}

		if s := strings.TrimSpace(msg.Stream); s != "" {
			p.logger.Debug("Build", "image", image, "step", s)
		}
	}
}

// tarContext packages dir as a gzip-compressed tar stream.
func tarContext(dir string) (io.ReadCloser, error) {
	tarball, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: []string{".DS_Store"},
	})
	if err != nil {
		return nil, err
	}
	return gzipStream(tarball), nil
}

// compressedStream is the read side of gzipStream. Close returns only once the source is released.
type compressedStream struct {
	*io.PipeReader
	done chan struct{}
}

func (s *compressedStream) Close() error {
	err := s.PipeReader.Close()
	<-s.done
	return err
}

// gzipStream compresses src on the fly. If the reader is closed early, src is still read to
// the end before it is closed, so the archiver producing it never sees a broken pipe.
func gzipStream(src io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer src.Close()

		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, src)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, src)
		}
		pw.CloseWithError(err)
	}()
	return &compressedStream{PipeReader: pr, done: done}
}
