// Package spawn provides the three Agent Runner execution backends named
// in the Docker/Kubernetes dependency table: local process-group exec
// (internal/agentrunner directly), a Docker container per invocation
// (adapted from the teacher's internal/orchestrator/spawner_docker.go),
// and a Kubernetes Job per invocation (adapted from
// internal/orchestrator/spawner_k8s.go). All three implement the same
// Spawner interface so the Orchestrator, Retry Engine, and Merge
// Coordinator never need to know which backend is configured.
package spawn

import (
	"context"
	"time"

	"opensprint/internal/agentrunner"
)

// Request describes one agent invocation, backend-agnostic. Command/Args
// are interpreted as a local executable by LocalSpawner, and as the
// in-container/in-pod entrypoint by DockerSpawner/K8sSpawner.
type Request struct {
	TaskID         string
	Command        string
	Args           []string
	Env            map[string]string
	WorkspaceDir   string // LocalSpawner runs in it, DockerSpawner bind-mounts it at /workspace; K8sSpawner does not use it
	Timeout        time.Duration
	KillGrace      time.Duration
	OutputCallback func(line string)
}

// Spawner runs one agent invocation to completion (or timeout/cancellation)
// and reports an agentrunner.Result, so every backend feeds the same
// result-interpretation path (§4.4, §9).
type Spawner interface {
	Run(ctx context.Context, req Request) agentrunner.Result
}
