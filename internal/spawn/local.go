package spawn

import (
	"context"

	"opensprint/internal/agentrunner"
)

// LocalSpawner runs the agent as a local process group, the default
// backend. It is a thin adapter over agentrunner.Runner.
type LocalSpawner struct {
	Runner *agentrunner.Runner
}

func NewLocalSpawner(runner *agentrunner.Runner) *LocalSpawner {
	return &LocalSpawner{Runner: runner}
}

func (s *LocalSpawner) Run(ctx context.Context, req Request) agentrunner.Result {
	return s.Runner.Run(ctx, agentrunner.RunOptions{
		Command:        req.Command,
		Args:           req.Args,
		Env:            agentrunner.Env(req.Env),
		Dir:            req.WorkspaceDir,
		Timeout:        req.Timeout,
		KillGrace:      req.KillGrace,
		OutputCallback: req.OutputCallback,
	})
}
