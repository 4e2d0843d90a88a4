package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dontdude/syscore/internal/logging"
)

func TestHealthCheck(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		assert.NoError(t, HealthCheck(context.Background(), newFakeAPI(), logging.Discard()))
	})

	t.Run("ping fails", func(t *testing.T) {
		api := newFakeAPI()
		api.versionErr = errors.New("dial unix /var/run/docker.sock: connect: no such file")
		err := HealthCheck(context.Background(), api, logging.Discard())
		assert.ErrorIs(t, err, ErrDaemonUnavailable)
		assert.Contains(t, err.Error(), "ping")
	})

	t.Run("permission denied", func(t *testing.T) {
		api := newFakeAPI()
		api.listErr = errors.New("permission denied")
		err := HealthCheck(context.Background(), api, logging.Discard())
		assert.ErrorIs(t, err, ErrDaemonUnavailable)
		assert.Contains(t, err.Error(), "permission")
	})
}

func TestClientErrorFormat(t *testing.T) {
	inner := errors.New("boom")

	withID := &ClientError{Op: OpStart, Image: "okernel/cpp-runner", ContainerID: "abc", Err: inner}
	assert.Equal(t, "docker start okernel/cpp-runner (abc): boom", withID.Error())
	assert.ErrorIs(t, withID, inner)

	noID := &ClientError{Op: OpCreate, Image: "okernel/cpp-runner", Err: inner}
	assert.Equal(t, "docker create okernel/cpp-runner: boom", noID.Error())
}
