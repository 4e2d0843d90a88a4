// Package docker adapts the Docker Engine SDK to the orchestrator: connecting to the daemon,
// provisioning runtime images, and running jobs in resource-limited, network-less containers.
package docker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// NewClient connects to the Docker daemon and verifies it is usable before returning.
// host overrides DOCKER_HOST when non-empty.
// The caller is expected to refuse to serve traffic when this fails (Fail-Fast).
func NewClient(ctx context.Context, host string, logger *slog.Logger) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %v", ErrDaemonUnavailable, err)
	}

	if err := HealthCheck(ctx, cli, logger); err != nil {
		_ = cli.Close()
		return nil, err
	}

	return cli, nil
}

// HealthCheck verifies the daemon answers and that we are allowed to use it.
func HealthCheck(ctx context.Context, api API, logger *slog.Logger) error {
	logger.Info("Verifying Docker connection...")

	v, err := api.ServerVersion(ctx)
	if err != nil {
		return fmt.Errorf("%w: docker ping failed: %v", ErrDaemonUnavailable, err)
	}
	logger.Info("Docker connected", "version", v.Version, "apiVersion", v.APIVersion)

	// Listing images is the cheapest call that trips over socket permissions.
	if _, err := api.ImageList(ctx, image.ListOptions{}); err != nil {
		return fmt.Errorf("%w: failed to list images (permission error?): %v", ErrDaemonUnavailable, err)
	}

	return nil
}
