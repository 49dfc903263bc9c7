package spawn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"opensprint/internal/agentrunner"
	"opensprint/internal/docker"
)

// DockerSpawner runs one agent invocation inside a fresh container per
// task, adapted from the teacher's spawner_docker.go: the request's host
// workspace directory is bind-mounted in, the agent command runs via docker exec,
// and the container is torn down afterward regardless of outcome. Unlike
// the teacher's detached fire-and-forget goroutine, Run here blocks the
// caller (matching the Spawner contract) and honors ctx/timeout by
// stopping the container, which agentrunner.Runner does with SIGTERM/
// SIGKILL on a process group.
type DockerSpawner struct {
	Client  docker.IClient
	Image   string
	Network string
	Logger  *slog.Logger
}

func NewDockerSpawner(client docker.IClient, image, network string, logger *slog.Logger) *DockerSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerSpawner{Client: client, Image: image, Network: network, Logger: logger}
}

func (s *DockerSpawner) Run(ctx context.Context, req Request) agentrunner.Result {
	envList := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	containerID, err := s.Client.RunContainer(ctx, s.Image, req.WorkspaceDir, nil, envList, "")
	if err != nil {
		return agentrunner.Result{Outcome: agentrunner.OutcomeSpawnError, Err: fmt.Errorf("spawn: docker run: %w", err)}
	}
	defer func() {
		if stopErr := s.Client.StopContainer(context.Background(), containerID); stopErr != nil {
			s.Logger.Warn("failed to stop agent container", "container", containerID, "error", stopErr)
		}
	}()

	cmd := append([]string{req.Command}, req.Args...)
	shellCmd := []string{"/bin/sh", "-c", "cd /workspace && " + strings.Join(cmd, " ")}

	type execResult struct {
		output string
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		output, err := s.Client.Exec(context.Background(), containerID, shellCmd)
		done <- execResult{output: output, err: err}
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-done:
		lines := splitLines(r.output)
		if req.OutputCallback != nil {
			for _, l := range lines {
				req.OutputCallback(l)
			}
		}
		if r.err != nil {
			return agentrunner.Result{Outcome: agentrunner.OutcomeExit, ExitCode: 1, Err: r.err, Output: lines}
		}
		return agentrunner.Result{Outcome: agentrunner.OutcomeExit, ExitCode: 0, Output: lines}

	case <-timeoutCh:
		if stopErr := s.Client.StopContainer(context.Background(), containerID); stopErr != nil {
			s.Logger.Warn("failed to stop timed-out container", "container", containerID, "error", stopErr)
		}
		<-done
		return agentrunner.Result{Outcome: agentrunner.OutcomeTimeout}

	case <-ctx.Done():
		if stopErr := s.Client.StopContainer(context.Background(), containerID); stopErr != nil {
			s.Logger.Warn("failed to stop cancelled container", "container", containerID, "error", stopErr)
		}
		<-done
		return agentrunner.Result{Outcome: agentrunner.OutcomeCancelled}
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// GitIdentityEnv returns the GIT_AUTHOR_*/GIT_COMMITTER_* overrides the
// teacher injects into every container so commits made inside it don't
// fail with "author identity unknown".
func GitIdentityEnv(name, email string) map[string]string {
	return map[string]string{
		"GIT_AUTHOR_NAME":     name,
		"GIT_AUTHOR_EMAIL":    email,
		"GIT_COMMITTER_NAME":  name,
		"GIT_COMMITTER_EMAIL": email,
		"GIT_TERMINAL_PROMPT": "0",
	}
}

// secretEnv propagates the same allowlisted host secrets the teacher's
// spawner_docker.go forwards into the agent container.
func secretEnv(names []string) map[string]string {
	out := map[string]string{}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			out[name] = v
		}
	}
	return out
}
