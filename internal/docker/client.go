package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient is the subset of the official Docker API client this package
// drives. Narrowing it to an interface keeps Client mockable without a
// running daemon.
type APIClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Client wraps the official Docker client to provide the high-level
// container-per-task orchestration internal/spawn needs.
type Client struct {
	api APIClient
}

// NewClient creates a new Docker client instance from the ambient
// environment (DOCKER_HOST etc.), the same discovery the docker CLI uses.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: failed to create client: %w", err)
	}
	return &Client{api: cli}, nil
}

// Close closes the underlying docker client connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// RunContainer pulls imageRef (best-effort -- a pre-pulled image still
// works if the registry is unreachable), then creates and starts a
// container with workspace bind-mounted plus any extraBinds, env applied,
// and running as user (empty means the image default). It returns the new
// container ID.
func (c *Client) RunContainer(ctx context.Context, imageRef string, workspace string, extraBinds []string, env []string, user string) (string, error) {
	if reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	binds := append([]string{fmt.Sprintf("%s:/workspace", workspace)}, extraBinds...)

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			Tty:        true,
			OpenStdin:  true,
			WorkingDir: "/workspace",
			Cmd:        []string{"/bin/sh"},
			Env:        env,
			User:       user,
		},
		&container.HostConfig{Binds: binds},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker: failed to create container: %w", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("docker: failed to start container: %w", err)
	}

	return resp.ID, nil
}

// Exec runs cmd inside containerID and returns its combined stdout+stderr.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	respID, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", fmt.Errorf("docker: failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("docker: failed to attach exec: %w", err)
	}
	defer resp.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader); err != nil {
		return "", fmt.Errorf("docker: failed to copy exec output: %w", err)
	}

	return outBuf.String() + errBuf.String(), nil
}

// StopContainer stops and force-removes the container. A stop failure is
// tolerated (the container may already be gone) so cleanup still attempts
// removal; a remove failure is returned since that leaks the container.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	_ = c.api.ContainerStop(ctx, containerID, container.StopOptions{})
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
