package config

import "testing"

func validConfig() *Config {
	return &Config{
		GitWorkingMode:       "worktree",
		AgentCommand:         "opensprint-agent",
		MaxConcurrentCoders:  2,
		FileScopeStrategy:    "conservative",
		ReviewMode:           "always",
		CodingTimeoutSeconds: 1800,
		ReviewTimeoutSeconds: 900,
		MergerTimeoutSeconds: 600,
		KillGraceSeconds:     5,
		RetryHardCap:         6,
		EscalationLadder: map[string][]EscalationTier{
			"simple":  {{Agent: "coder", Model: "claude-sonnet-4"}},
			"complex": {{Agent: "coder", Model: "claude-sonnet-4"}},
		},
		StoreType:             "sqlite",
		StoreConnectionString: ".opensprint.db",
		MetricsPort:           2112,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_BranchesModeForcesSingleSlot(t *testing.T) {
	c := validConfig()
	c.GitWorkingMode = "branches"
	c.MaxConcurrentCoders = 5
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.MaxConcurrentCoders != 1 {
		t.Fatalf("expected max_concurrent_coders forced to 1 in branches mode, got %d", c.MaxConcurrentCoders)
	}
}

func TestValidate_RejectsBadTimeouts(t *testing.T) {
	c := validConfig()
	c.CodingTimeoutSeconds = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-positive coding timeout")
	}
}

func TestValidate_RejectsMissingEscalationLadder(t *testing.T) {
	c := validConfig()
	c.EscalationLadder = map[string][]EscalationTier{"simple": {{Agent: "coder", Model: "x"}}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing complex ladder")
	}
}

func TestValidate_RejectsEmptyAgentCommand(t *testing.T) {
	c := validConfig()
	c.AgentCommand = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty agent.command")
	}
}

func TestValidate_RejectsUnknownGitWorkingMode(t *testing.T) {
	c := validConfig()
	c.GitWorkingMode = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown git_working_mode")
	}
}
