package docker

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestRunContainer_MountsWorkspaceAndEnv(t *testing.T) {
	c, mock := NewMockClient()
	var gotConfig *container.Config
	var gotHostConfig *container.HostConfig
	mock.ContainerCreateFunc = func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
		gotConfig = config
		gotHostConfig = hostConfig
		return container.CreateResponse{ID: "mock-container-id"}, nil
	}

	id, err := c.RunContainer(context.Background(), "agent:latest", "/host/workspace", []string{"/host/cache:/cache"}, []string{"FOO=bar"}, "1000:1000")
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if id != "mock-container-id" {
		t.Errorf("expected mock container id, got %q", id)
	}
	if gotConfig.User != "1000:1000" {
		t.Errorf("expected user 1000:1000, got %q", gotConfig.User)
	}
	if len(gotConfig.Env) != 1 || gotConfig.Env[0] != "FOO=bar" {
		t.Errorf("expected env to be forwarded, got %v", gotConfig.Env)
	}
	wantBinds := []string{"/host/workspace:/workspace", "/host/cache:/cache"}
	if len(gotHostConfig.Binds) != len(wantBinds) || gotHostConfig.Binds[0] != wantBinds[0] || gotHostConfig.Binds[1] != wantBinds[1] {
		t.Errorf("expected binds %v, got %v", wantBinds, gotHostConfig.Binds)
	}
}

func TestRunContainer_PullFailureIsTolerated(t *testing.T) {
	c, mock := NewMockClient()
	mock.ImagePullFunc = func(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
		return nil, errors.New("registry unreachable")
	}

	if _, err := c.RunContainer(context.Background(), "agent:latest", "/ws", nil, nil, ""); err != nil {
		t.Fatalf("RunContainer should tolerate a pull failure, got: %v", err)
	}
}

func TestRunContainer_CreateFails(t *testing.T) {
	c, mock := NewMockClient()
	mock.ContainerCreateFunc = func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
		return container.CreateResponse{}, errors.New("create failed")
	}

	if _, err := c.RunContainer(context.Background(), "agent:latest", "/ws", nil, nil, ""); err == nil {
		t.Fatal("expected an error from a failed ContainerCreate")
	}
}

func TestRunContainer_StartFails(t *testing.T) {
	c, mock := NewMockClient()
	mock.ContainerStartFunc = func(ctx context.Context, containerID string, options container.StartOptions) error {
		return errors.New("start failed")
	}

	if _, err := c.RunContainer(context.Background(), "agent:latest", "/ws", nil, nil, ""); err == nil {
		t.Fatal("expected an error from a failed ContainerStart")
	}
}

func TestExec_SucceedsWithMockAttach(t *testing.T) {
	c, _ := NewMockClient()

	// The mock's attach connection closes immediately, so output is empty;
	// this exercises the success path end to end.
	if _, err := c.Exec(context.Background(), "container-id", []string{"echo", "hi"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
}

func TestExec_CreateFails(t *testing.T) {
	c, mock := NewMockClient()
	mock.ContainerExecCreateFunc = func(ctx context.Context, containerID string, config container.ExecOptions) (types.IDResponse, error) {
		return types.IDResponse{}, errors.New("exec create failed")
	}

	if _, err := c.Exec(context.Background(), "container-id", []string{"true"}); err == nil {
		t.Fatal("expected an error from a failed ContainerExecCreate")
	}
}

func TestExec_AttachFails(t *testing.T) {
	c, mock := NewMockClient()
	mock.ContainerExecAttachFunc = func(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error) {
		return types.HijackedResponse{}, errors.New("attach failed")
	}

	if _, err := c.Exec(context.Background(), "container-id", []string{"true"}); err == nil {
		t.Fatal("expected an error from a failed ContainerExecAttach")
	}
}

func TestStopContainer_ToleratesStopErrorButReportsRemoveError(t *testing.T) {
	c, mock := NewMockClient()
	mock.ContainerStopFunc = func(ctx context.Context, containerID string, options container.StopOptions) error {
		return errors.New("already stopped")
	}

	if err := c.StopContainer(context.Background(), "container-id"); err != nil {
		t.Fatalf("StopContainer should tolerate a stop error when remove succeeds, got: %v", err)
	}

	mock.ContainerRemoveFunc = func(ctx context.Context, containerID string, options container.RemoveOptions) error {
		return errors.New("remove failed")
	}
	if err := c.StopContainer(context.Background(), "container-id"); err == nil {
		t.Fatal("expected StopContainer to surface a ContainerRemove error")
	}
}

func TestClose(t *testing.T) {
	c, mock := NewMockClient()
	closed := false
	mock.CloseFunc = func() error {
		closed = true
		return nil
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Error("expected Close to delegate to the underlying API client")
	}
}
