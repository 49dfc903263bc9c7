// Package main is the orchestrator process entrypoint: it loads
// configuration, constructs every component named in SPEC_FULL.md's
// MODULE MAP, and runs the Execution Orchestrator's scheduling loop until
// an interrupt or SIGTERM arrives (§4.7 "Shutdown"). Grounded on the
// teacher's cmd/agent/main.go bootstrap shape (flags -> viper -> logger ->
// component construction -> run loop), replacing the teacher's Jira/GitHub
// poller wiring with the Task Store's own readiness projection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"opensprint/internal/agentrunner"
	"opensprint/internal/config"
	"opensprint/internal/contextassembler"
	"opensprint/internal/docker"
	"opensprint/internal/eventbus"
	"opensprint/internal/gitworkspace"
	"opensprint/internal/merge"
	"opensprint/internal/metrics"
	"opensprint/internal/notify"
	"opensprint/internal/orchestrator"
	"opensprint/internal/retry"
	"opensprint/internal/spawn"
	"opensprint/internal/taskstore"
	"opensprint/internal/telemetry"
)

func main() {
	var cfgFile string
	pflag.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	pflag.BoolP("verbose", "v", false, "enable verbose/debug logging")
	pflag.String("project", "default", "project id this orchestrator instance drives")
	pflag.String("repo", ".", "path to the target git repository")
	pflag.String("git-mode", "", "git working mode override: worktree | branches")
	pflag.Int("slots", 0, "max concurrent coders override")
	pflag.String("spawn-backend", "", "agent spawn backend override: local | docker | kubernetes")
	pflag.Int("metrics-port", 0, "metrics/status HTTP port override")
	pflag.Parse()

	viper.BindPFlag("verbose", pflag.Lookup("verbose"))
	viper.BindPFlag("project_name", pflag.Lookup("project"))
	viper.BindPFlag("repo_path", pflag.Lookup("repo"))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: failed to load:", err)
		os.Exit(1)
	}
	if v := pflag.Lookup("git-mode").Value.String(); v != "" {
		cfg.GitWorkingMode = v
	}
	if v, _ := pflag.CommandLine.GetInt("slots"); v > 0 {
		cfg.MaxConcurrentCoders = v
	}
	if v := pflag.Lookup("spawn-backend").Value.String(); v != "" {
		cfg.SpawnBackend = v
	}
	if v, _ := pflag.CommandLine.GetInt("metrics-port"); v > 0 {
		cfg.MetricsPort = v
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config: invalid:", err)
		os.Exit(1)
	}

	telemetry.InitLogger(cfg.Verbose, "")
	logger := telemetry.NewLogger(cfg.Verbose, "")
	logger.Info("opensprint orchestrator starting",
		"project", cfg.ProjectName, "repo", cfg.RepoPath,
		"gitMode", cfg.GitWorkingMode, "slots", cfg.MaxConcurrentCoders,
		"spawnBackend", cfg.SpawnBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := taskstore.NewStore(taskstore.StoreConfig{
		Type:             cfg.StoreType,
		ConnectionString: cfg.StoreConnectionString,
	})
	if err != nil {
		logger.Error("taskstore: failed to open", "error", err)
		os.Exit(1)
	}

	gitMode := gitworkspace.ModeWorktree
	if cfg.GitWorkingMode == string(gitworkspace.ModeBranches) {
		gitMode = gitworkspace.ModeBranches
	}
	git := gitworkspace.New(cfg.RepoPath, gitMode, logger)

	assembler := contextassembler.New(git, store)

	registry := agentrunner.NewRegistry(logger)
	runner := agentrunner.New(registry, logger)

	var dockerClient docker.IClient
	if cfg.SpawnBackend == "docker" {
		dockerClient, err = docker.NewClient()
		if err != nil {
			logger.Error("docker: failed to initialize client", "error", err)
			os.Exit(1)
		}
		defer dockerClient.Close()
	}

	spawner, err := spawn.NewSpawner(spawn.BackendConfig{
		Backend:       cfg.SpawnBackend,
		DockerImage:   cfg.SpawnImage,
		DockerNetwork: cfg.SpawnNetwork,
		K8sNamespace:  cfg.K8sNamespace,
		K8sSecretName: cfg.K8sSecretName,
	}, runner, dockerClient, logger)
	if err != nil {
		logger.Error("spawn: failed to construct spawner", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New(logger, 256)
	defer bus.CloseAll()

	retryEngine := retry.New(cfg, logger)
	mergeCoord := merge.New(git, store, spawner, bus, cfg, logger)

	orch := orchestrator.New(cfg, cfg.ProjectName, store, git, assembler, spawner, retryEngine, mergeCoord, bus, logger)

	if cfg.Notifications.SlackEnabled || cfg.Notifications.DiscordEnabled {
		nm := notify.NewManager(func(format string, args ...interface{}) {
			logger.Info(fmt.Sprintf(format, args...))
		})
		bridge := notify.NewBridge(nm, bus, logger)
		bridge.Start(ctx)
	}

	srv := startStatusServer(ctx, cfg.MetricsPort, logger)
	defer srv.Close()

	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator: scheduling loop exited with error", "error", err)
		os.Exit(1)
	}

	if remaining := registry.Len(); remaining > 0 {
		logger.Warn("orchestrator: process registry not empty after shutdown", "count", remaining)
	}
	logger.Info("opensprint orchestrator stopped")
}

// startStatusServer mounts the Prometheus scrape endpoint for both
// internal/metrics' per-instance collectors and internal/telemetry's
// package-level ones (both register against the default Prometheus
// registry, so one handler serves both -- a second listener from
// telemetry.StartMetricsServer would just double-register "/metrics" on
// the default mux). Also samples process memory/goroutine gauges on a
// ticker via Metrics.UpdateSystemMetrics, mirroring the teacher's
// system-metrics sampling loop.
func startStatusServer(ctx context.Context, port int, logger *slog.Logger) *http.Server {
	if port <= 0 {
		port = 2112
	}
	m := metrics.NewMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.RequestTrackingMiddleware(m.Handler()))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics: status server stopped", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		var memStats runtime.MemStats
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runtime.ReadMemStats(&memStats)
				m.UpdateSystemMetrics(memStats.Alloc, runtime.NumGoroutine())
			}
		}
	}()

	return srv
}
