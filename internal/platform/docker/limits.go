package docker

import (
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/dontdude/syscore/internal/domain"
)

// Default resource policy for guest containers.
const (
	DefaultMemoryBytes int64 = 256 * 1024 * 1024
	DefaultNanoCPUs    int64 = 1_000_000_000
)

// Container labels set on everything this package creates.
const (
	LabelManaged  = "syscore.managed"
	LabelInstance = "syscore.instance"
	LabelJob      = "syscore.job"
	LabelLanguage = "syscore.language"
)

// Limits are hard caps enforced by the runtime. Network access is always disabled.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// DefaultLimits returns one full core and 256 MiB.
func DefaultLimits() Limits {
	return Limits{MemoryBytes: DefaultMemoryBytes, NanoCPUs: DefaultNanoCPUs}
}

func (l Limits) hostConfig() *container.HostConfig {
	return &container.HostConfig{
		NetworkMode: "none",
		// Removed manually so logs can be collected first.
		AutoRemove: false,
		Resources: container.Resources{
			Memory:     l.MemoryBytes,
			MemorySwap: l.MemoryBytes,
			NanoCPUs:   l.NanoCPUs,
		},
	}
}

func (c RunnerConfig) containerConfig(image string, cmd []string, lang domain.Language, jobID string) *container.Config {
	labels := map[string]string{
		LabelManaged:  "true",
		LabelLanguage: lang.String(),
	}
	if c.Instance != "" {
		labels[LabelInstance] = c.Instance
	}
	if jobID != "" {
		labels[LabelJob] = jobID
	}
	return &container.Config{
		Image:           image,
		Cmd:             cmd,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		NetworkDisabled: true,
		Labels:          labels,
	}
}

// RunnerConfig is shared by the ephemeral and pooled runners.
type RunnerConfig struct {
	Limits Limits
	// Prefix starts every container name, e.g. "<prefix>-job-<id>".
	Prefix string
	// Timeout bounds a single execution; zero disables it.
	Timeout time.Duration
	// Instance labels every container so this process can find its own leftovers.
	Instance string
}
