package docker

import (
	"errors"
	"fmt"
)

var (
	// ErrDaemonUnavailable means the runtime could not be reached or refused basic operations.
	// It is fatal at startup.
	ErrDaemonUnavailable = errors.New("docker daemon unavailable")

	// ErrBuildContextNotFound means neither candidate build-context directory exists.
	ErrBuildContextNotFound = errors.New("build context not found")

	// ErrBuildFailed means the daemon reported an error while building an image.
	ErrBuildFailed = errors.New("image build failed")
)

// Operations reported in ClientError.Op.
const (
	OpCreate  = "create"
	OpStart   = "start"
	OpInspect = "inspect"
	OpBuild   = "build"
	OpExec    = "exec"
	OpList    = "list"
)

// ClientError records a failed runtime call together with what it was acting on.
type ClientError struct {
	Op          string
	Image       string
	ContainerID string
	Err         error
}

func (e *ClientError) Error() string {
	if e.ContainerID != "" {
		return fmt.Sprintf("docker %s %s (%s): %v", e.Op, e.Image, e.ContainerID, e.Err)
	}
	return fmt.Sprintf("docker %s %s: %v", e.Op, e.Image, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}
