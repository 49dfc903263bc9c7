package config

import (
	"fmt"
)

// Validate checks a resolved Config for internally-consistent values. It is
// called once after Load, before any component is constructed.
func (c *Config) Validate() error {
	var errs []string

	if c.CodingTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.coding_seconds must be positive, got: %d", c.CodingTimeoutSeconds))
	}
	if c.ReviewTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.review_seconds must be positive, got: %d", c.ReviewTimeoutSeconds))
	}
	if c.MergerTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.merger_seconds must be positive, got: %d", c.MergerTimeoutSeconds))
	}
	if c.KillGraceSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.kill_grace_seconds must be positive, got: %d", c.KillGraceSeconds))
	}

	if c.AgentCommand == "" {
		errs = append(errs, "agent.command must not be empty")
	}

	switch c.GitWorkingMode {
	case "worktree", "branches":
	default:
		errs = append(errs, fmt.Sprintf("git_working_mode must be 'worktree' or 'branches', got: %q", c.GitWorkingMode))
	}

	if c.MaxConcurrentCoders <= 0 {
		errs = append(errs, fmt.Sprintf("max_concurrent_coders must be positive, got: %d", c.MaxConcurrentCoders))
	}
	// §4.7: branches mode shares one working tree, so concurrency is forced to 1.
	if c.GitWorkingMode == "branches" {
		c.MaxConcurrentCoders = 1
	}

	switch c.FileScopeStrategy {
	case "conservative", "optimistic":
	default:
		errs = append(errs, fmt.Sprintf("file_scope_strategy must be 'conservative' or 'optimistic', got: %q", c.FileScopeStrategy))
	}

	switch c.ReviewMode {
	case "always", "never", "on-failure-only":
	default:
		errs = append(errs, fmt.Sprintf("review_mode must be one of always|never|on-failure-only, got: %q", c.ReviewMode))
	}

	if c.RetryHardCap <= 0 {
		errs = append(errs, fmt.Sprintf("retry.hard_cap must be positive, got: %d", c.RetryHardCap))
	}
	for _, class := range []string{"simple", "complex"} {
		tiers, ok := c.EscalationLadder[class]
		if !ok || len(tiers) == 0 {
			errs = append(errs, fmt.Sprintf("retry.escalation_ladder.%s must define at least one tier", class))
			continue
		}
		for i, tier := range tiers {
			if tier.Agent == "" || tier.Model == "" {
				errs = append(errs, fmt.Sprintf("retry.escalation_ladder.%s[%d] missing agent or model", class, i))
			}
		}
	}

	switch c.StoreType {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Sprintf("store.type must be sqlite or postgres, got: %q", c.StoreType))
	}
	if c.StoreConnectionString == "" {
		errs = append(errs, "store.connection_string must not be empty")
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("metrics_port must be between 1 and 65535, got: %d", c.MetricsPort))
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "\n  " + e
	}
	return fmt.Errorf("configuration validation failed:\n  %s", msg)
}
