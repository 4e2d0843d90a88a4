package docker

import (
	"context"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// RemoveInstanceContainers force-removes every container labelled with instance, running or not.
// It catches containers whose job was still in flight when the process began shutting down.
// It returns how many containers were removed.
func RemoveInstanceContainers(ctx context.Context, api API, instance string, log *slog.Logger) (int, error) {
	if instance == "" {
		return 0, nil
	}
	list, err := api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelInstance+"="+instance)),
	})
	if err != nil {
		return 0, &ClientError{Op: OpList, Err: err}
	}

	removed := 0
	for _, c := range list {
		log.Warn("Removing container left over at shutdown", "containerID", c.ID, "job", c.Labels[LabelJob])
		if err := api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Error("Failed to remove container", "containerID", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
