package docker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Engine Tests
// =============================================================================

func skipIfNoDocker(t *testing.T) *DockerClient {
	t.Helper()
	cli, err := NewDockerClient("")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

func TestDockerClient_Ping(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	assert.NoError(t, cli.Ping(context.Background()))
}

func TestDockerClient_InspectMissing(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	_, err := cli.InspectContainer(context.Background(), "shipyard-test-does-not-exist")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestDockerClient_RemoveMissing(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	err := cli.RemoveContainer(context.Background(), "shipyard-test-does-not-exist", RemoveOptions{Force: true})
	assert.ErrorIs(t, err, ErrContainerNotFound)
}
