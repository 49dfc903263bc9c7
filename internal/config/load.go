package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EscalationTier is one rung of an escalation ladder: an agent family
// paired with the model identifier it runs at this rung.
type EscalationTier struct {
	Agent string `mapstructure:"agent"`
	Model string `mapstructure:"model"`
}

// HILDecision describes how a class of human-in-the-loop decision is handled.
type HILDecision string

const (
	HILAutomated        HILDecision = "automated"
	HILNotifyAndProceed HILDecision = "notify_and_proceed"
	HILRequiresApproval HILDecision = "requires_approval"
)

// Config is the fully-resolved, structured view of the orchestrator's
// runtime configuration. It is built once by Load and injected into every
// component constructor; nothing downstream reads viper directly.
type Config struct {
	ProjectName string
	RepoPath    string

	// GitWorkingMode is "worktree" or "branches". In "branches" mode
	// MaxConcurrentCoders is forced to 1.
	GitWorkingMode       string
	MaxConcurrentCoders  int
	FileScopeStrategy    string // "conservative" | "optimistic"
	GitUserName          string
	GitUserEmail         string

	// AgentCommand/AgentArgs is the opaque external agent executable the
	// Agent Runner invokes for every phase (coding, review, merger); the
	// phase and task context are communicated entirely through
	// config.json in its working directory (§4.3, §6.2), never argv.
	AgentCommand string
	AgentArgs    []string
	TestCommand  string

	CodingTimeoutSeconds  int
	ReviewTimeoutSeconds  int
	MergerTimeoutSeconds  int
	KillGraceSeconds      int
	ForcedPollSeconds     int

	ReviewMode string // "always" | "never" | "on-failure-only"

	// EscalationLadder maps a complexity class (simple/complex) to an
	// ordered list of agent/model tiers, cheapest first.
	EscalationLadder map[string][]EscalationTier
	RetryHardCap     int

	HILConfig map[string]HILDecision

	StoreType             string
	StoreConnectionString string

	// SpawnBackend is "local" (default), "docker", or "kubernetes" -
	// which internal/spawn.Spawner implementation the Agent Runner uses.
	SpawnBackend   string
	SpawnImage     string
	SpawnNetwork   string
	K8sNamespace   string
	K8sSecretName  string

	MetricsPort int
	Verbose     bool

	Notifications NotificationsConfig
}

type NotificationsConfig struct {
	SlackEnabled    bool
	SlackChannel    string
	DiscordEnabled  bool
	DiscordChannel  string
}

// Load initializes viper from file, environment, and .env, then snapshots
// the result into a Config. It mirrors the precedence order the CLI
// documents: flags (bound by the caller before Load) > env > file > default.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// absence of .env is not an error; ignore
		_ = err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("OPENSPRINT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile == "" {
		if _, statErr := os.Stat("config.yaml"); os.IsNotExist(statErr) {
			if writeErr := viper.WriteConfigAs("config.yaml"); writeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to create default config file: %v\n", writeErr)
			} else {
				fmt.Println("Created default configuration file: config.yaml")
			}
		}
	}

	cfg := fromViper()
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("project_name", "default")
	viper.SetDefault("repo_path", ".")

	viper.SetDefault("git_working_mode", "worktree")
	viper.SetDefault("max_concurrent_coders", 1)
	viper.SetDefault("file_scope_strategy", "conservative")
	viper.SetDefault("git_user_email", "opensprint-agent@example.com")
	viper.SetDefault("git_user_name", "OpenSprint Agent")
	viper.SetDefault("agent.command", "opensprint-agent")
	viper.SetDefault("agent.args", []string{})
	viper.SetDefault("test_command", "")

	viper.SetDefault("timeouts.coding_seconds", 1800)
	viper.SetDefault("timeouts.review_seconds", 900)
	viper.SetDefault("timeouts.merger_seconds", 600)
	viper.SetDefault("timeouts.kill_grace_seconds", 5)
	viper.SetDefault("timeouts.forced_poll_seconds", 30)

	viper.SetDefault("review_mode", "always")

	viper.SetDefault("retry.hard_cap", 6)
	viper.SetDefault("retry.escalation_ladder.simple", []map[string]string{
		{"agent": "coder", "model": "claude-sonnet-4"},
		{"agent": "coder", "model": "claude-opus-4"},
	})
	viper.SetDefault("retry.escalation_ladder.complex", []map[string]string{
		{"agent": "coder", "model": "claude-sonnet-4"},
		{"agent": "coder", "model": "claude-opus-4"},
	})

	viper.SetDefault("hil.requires_clarification", string(HILRequiresApproval))
	viper.SetDefault("hil.merge_conflict", string(HILNotifyAndProceed))

	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.connection_string", ".opensprint.db")

	viper.SetDefault("spawn.backend", "local")
	viper.SetDefault("spawn.image", "opensprint/agent:latest")
	viper.SetDefault("spawn.network", "")
	viper.SetDefault("spawn.k8s_namespace", "")
	viper.SetDefault("spawn.k8s_secret_name", "opensprint-agent-secrets")

	viper.SetDefault("metrics_port", 2112)
	viper.SetDefault("verbose", false)

	slackEnabled := os.Getenv("SLACK_BOT_USER_TOKEN") != ""
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#general")
	viper.SetDefault("notifications.discord.enabled", os.Getenv("DISCORD_BOT_TOKEN") != "")
}

func fromViper() *Config {
	ladder := map[string][]EscalationTier{}
	for _, class := range []string{"simple", "complex"} {
		var tiers []EscalationTier
		if err := viper.UnmarshalKey("retry.escalation_ladder."+class, &tiers); err == nil {
			ladder[class] = tiers
		}
	}

	hil := map[string]HILDecision{}
	for key, v := range viper.GetStringMapString("hil") {
		hil[key] = HILDecision(v)
	}
	if len(hil) == 0 {
		hil["requires_clarification"] = HILDecision(viper.GetString("hil.requires_clarification"))
		hil["merge_conflict"] = HILDecision(viper.GetString("hil.merge_conflict"))
	}

	return &Config{
		ProjectName:          viper.GetString("project_name"),
		RepoPath:             viper.GetString("repo_path"),
		GitWorkingMode:       viper.GetString("git_working_mode"),
		MaxConcurrentCoders:  viper.GetInt("max_concurrent_coders"),
		FileScopeStrategy:    viper.GetString("file_scope_strategy"),
		GitUserName:          viper.GetString("git_user_name"),
		GitUserEmail:         viper.GetString("git_user_email"),
		AgentCommand:         viper.GetString("agent.command"),
		AgentArgs:            viper.GetStringSlice("agent.args"),
		TestCommand:          viper.GetString("test_command"),
		CodingTimeoutSeconds: viper.GetInt("timeouts.coding_seconds"),
		ReviewTimeoutSeconds: viper.GetInt("timeouts.review_seconds"),
		MergerTimeoutSeconds: viper.GetInt("timeouts.merger_seconds"),
		KillGraceSeconds:     viper.GetInt("timeouts.kill_grace_seconds"),
		ForcedPollSeconds:    viper.GetInt("timeouts.forced_poll_seconds"),
		ReviewMode:           viper.GetString("review_mode"),
		EscalationLadder:     ladder,
		RetryHardCap:         viper.GetInt("retry.hard_cap"),
		HILConfig:            hil,
		StoreType:            viper.GetString("store.type"),
		StoreConnectionString: viper.GetString("store.connection_string"),
		SpawnBackend:         viper.GetString("spawn.backend"),
		SpawnImage:           viper.GetString("spawn.image"),
		SpawnNetwork:         viper.GetString("spawn.network"),
		K8sNamespace:         viper.GetString("spawn.k8s_namespace"),
		K8sSecretName:        viper.GetString("spawn.k8s_secret_name"),
		MetricsPort:          viper.GetInt("metrics_port"),
		Verbose:              viper.GetBool("verbose"),
		Notifications: NotificationsConfig{
			SlackEnabled:   viper.GetBool("notifications.slack.enabled"),
			SlackChannel:   viper.GetString("notifications.slack.channel"),
			DiscordEnabled: viper.GetBool("notifications.discord.enabled"),
			DiscordChannel: viper.GetString("notifications.discord.channel"),
		},
	}
}
