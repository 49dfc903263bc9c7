package docker

import "context"

// IClient is the subset of Docker operations internal/spawn.DockerSpawner
// needs to run one agent invocation per container: start it with the task
// workspace bind-mounted in, run the agent command inside it, and tear it
// down afterward. Narrowed from the teacher's IClient (which also covered
// daemon/image preflight checks and an image-build path for a locally-built
// agent image) because this core always runs a pre-built image pulled from
// a registry -- it never builds one or probes the daemon before spawning.
type IClient interface {
	Close() error
	RunContainer(ctx context.Context, imageRef string, workspace string, extraBinds []string, env []string, user string) (string, error)
	StopContainer(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)
}
