package spawn

import (
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"opensprint/internal/agentrunner"
	"opensprint/internal/docker"
)

// BackendConfig selects and configures a Spawner backend.
type BackendConfig struct {
	Backend       string // "local" (default), "docker", "kubernetes"
	DockerImage   string
	DockerNetwork string
	K8sNamespace  string
	K8sSecretName string
}

// NewSpawner builds the configured backend. The local backend needs an
// agentrunner.Registry/Runner; the Docker backend needs a docker.IClient.
func NewSpawner(cfg BackendConfig, runner *agentrunner.Runner, dockerClient docker.IClient, logger *slog.Logger) (Spawner, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalSpawner(runner), nil
	case "docker":
		if dockerClient == nil {
			return nil, fmt.Errorf("spawn: docker backend selected but no docker client configured")
		}
		return NewDockerSpawner(dockerClient, cfg.DockerImage, cfg.DockerNetwork, logger), nil
	case "kubernetes", "k8s":
		return NewK8sSpawner(cfg.DockerImage, cfg.K8sNamespace, cfg.K8sSecretName, corev1.PullIfNotPresent, logger)
	default:
		return nil, fmt.Errorf("spawn: unknown backend %q", cfg.Backend)
	}
}
