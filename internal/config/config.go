// Package config provides configuration types and defaults for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/foreman/internal/log"
)

// Config holds all configuration options for foreman.
type Config struct {
	StorePath     string           `mapstructure:"store_path"`
	WorkspacesDir string           `mapstructure:"workspaces_dir"`
	LogDir        string           `mapstructure:"log_dir"`
	PidDir        string           `mapstructure:"pid_dir"`
	SkillsDir     string           `mapstructure:"skills_dir"`
	RuntimeDir    string           `mapstructure:"runtime_dir"`
	Supervisor    SupervisorConfig `mapstructure:"supervisor"`
	Worker        WorkerConfig     `mapstructure:"worker"`
	Agent         AgentConfig      `mapstructure:"agent"`
	Decompose     DecomposeConfig  `mapstructure:"decompose"`
	Notify        NotifyConfig     `mapstructure:"notify"`
	Tracing       TracingConfig    `mapstructure:"tracing"`
}

// SupervisorConfig holds supervisor loop settings.
type SupervisorConfig struct {
	// ScanIntervalMS is the cadence of the reconciliation loop.
	ScanIntervalMS int `mapstructure:"scan_interval_ms"`

	// StalenessMS is how old a worker's heartbeat must be before a dead
	// process is respawned instead of marked error.
	StalenessMS int `mapstructure:"staleness_ms"`

	// ManifestSyncMS is the cadence of the capability/skill manifest sync.
	ManifestSyncMS int `mapstructure:"manifest_sync_ms"`

	// UseTmux spawns workers inside tmux sessions when the binary is
	// available, so operators can attach to their logs.
	UseTmux bool `mapstructure:"use_tmux"`
}

// WorkerConfig holds worker scheduler settings.
type WorkerConfig struct {
	// PollIntervalMS is the scheduler tick cadence.
	PollIntervalMS int `mapstructure:"poll_interval_ms"`

	// MaxAgents bounds concurrent agent sessions per worker.
	MaxAgents int `mapstructure:"max_agents"`

	// MaxDepth caps the task tree depth; tasks beyond it fail without
	// launching an agent.
	MaxDepth int `mapstructure:"max_depth"`

	// MaxConsecutiveErrors is how many tick failures in a row flip the
	// worker to error and exit.
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`

	// BudgetCapUSD stops new-work spawning once accumulated cost reaches
	// it. Zero means unbounded.
	BudgetCapUSD float64 `mapstructure:"budget_cap_usd"`

	// AllowedUsers is the list of chat user handles whose commands are
	// accepted. Empty rejects all.
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// AgentConfig holds agent session settings.
type AgentConfig struct {
	// Client selects the reasoning-service provider ("claude" or "mock").
	Client string `mapstructure:"client"`

	// TimeoutMS aborts a session that has run this long.
	TimeoutMS int `mapstructure:"timeout_ms"`

	// DefaultTier is the model tier used when a task does not specify one.
	DefaultTier string `mapstructure:"default_tier"`

	// LoopWindow is the sliding-window size of the same-tool loop guard.
	LoopWindow int `mapstructure:"loop_window"`
}

// DecomposeConfig holds decomposition driver settings.
type DecomposeConfig struct {
	// TimeoutMS bounds the decomposition call.
	TimeoutMS int `mapstructure:"timeout_ms"`

	// MaxTurns caps the reasoning exchange.
	MaxTurns int `mapstructure:"max_turns"`
}

// NotifyConfig holds notification dispatcher settings.
type NotifyConfig struct {
	// FormatterTimeoutMS bounds the one-shot formatter call.
	FormatterTimeoutMS int `mapstructure:"formatter_timeout_ms"`

	// Connector names the chat connector used for delivery.
	Connector string `mapstructure:"connector"`

	// CredentialEnv is the environment variable holding the chat-service
	// credential. The credential itself never enters the config file.
	CredentialEnv string `mapstructure:"credential_env"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// BaseDir returns the foreman home directory, ~/.foreman.
func BaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	base := BaseDir()
	return Config{
		StorePath:     filepath.Join(base, "foreman.db"),
		WorkspacesDir: filepath.Join(base, "workspaces"),
		LogDir:        filepath.Join(base, "logs"),
		PidDir:        filepath.Join(base, "pids"),
		SkillsDir:     filepath.Join(base, "skills"),
		RuntimeDir:    filepath.Join(base, "runtime"),
		Supervisor: SupervisorConfig{
			ScanIntervalMS: 3000,
			StalenessMS:    30000,
			ManifestSyncMS: 60000,
			UseTmux:        true,
		},
		Worker: WorkerConfig{
			PollIntervalMS:       2000,
			MaxAgents:            5,
			MaxDepth:             3,
			MaxConsecutiveErrors: 3,
			BudgetCapUSD:         0,
		},
		Agent: AgentConfig{
			Client:      "claude",
			TimeoutMS:   600000,
			DefaultTier: "sonnet",
			LoopWindow:  5,
		},
		Decompose: DecomposeConfig{
			TimeoutMS: 120000,
			MaxTurns:  3,
		},
		Notify: NotifyConfig{
			FormatterTimeoutMS: 30000,
			Connector:          "telegram",
			CredentialEnv:      "FOREMAN_CHAT_TOKEN",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     filepath.Join(base, "traces", "traces.jsonl"),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ApplyEnvOverrides layers recognized environment variables over the
// config. These are the knobs workers inherit from the supervisor's
// spawn environment.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FOREMAN_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("FOREMAN_WORKSPACES_DIR"); v != "" {
		c.WorkspacesDir = v
	}
	if v := os.Getenv("FOREMAN_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("FOREMAN_PID_DIR"); v != "" {
		c.PidDir = v
	}
	if v := os.Getenv("FOREMAN_SKILLS_DIR"); v != "" {
		c.SkillsDir = v
	}
	if v := os.Getenv("FOREMAN_MODEL_TIER"); v != "" {
		c.Agent.DefaultTier = v
	}
	if v, ok := envInt("FOREMAN_MAX_AGENTS"); ok {
		c.Worker.MaxAgents = v
	}
	if v, ok := envInt("FOREMAN_AGENT_TIMEOUT_MS"); ok {
		c.Agent.TimeoutMS = v
	}
	if v, ok := envInt("FOREMAN_POLL_INTERVAL_MS"); ok {
		c.Worker.PollIntervalMS = v
	}
	if v := os.Getenv("FOREMAN_BUDGET_CAP_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Worker.BudgetCapUSD = f
		}
	}
	if v := os.Getenv("FOREMAN_ALLOWED_USERS"); v != "" {
		var users []string
		for _, u := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(u); trimmed != "" {
				users = append(users, trimmed)
			}
		}
		c.Worker.AllowedUsers = users
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors. Empty values use defaults.
func Validate(c Config) error {
	if c.Worker.MaxAgents < 0 {
		return fmt.Errorf("worker.max_agents must be non-negative, got %d", c.Worker.MaxAgents)
	}
	if c.Worker.MaxDepth < 1 {
		return fmt.Errorf("worker.max_depth must be at least 1, got %d", c.Worker.MaxDepth)
	}
	if c.Worker.BudgetCapUSD < 0 {
		return fmt.Errorf("worker.budget_cap_usd must be non-negative, got %v", c.Worker.BudgetCapUSD)
	}
	if c.Agent.Client != "" && c.Agent.Client != "claude" && c.Agent.Client != "mock" {
		return fmt.Errorf("agent.client must be \"claude\" or \"mock\", got %q", c.Agent.Client)
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// Duration helpers so callers don't juggle millisecond ints.

func (s SupervisorConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalMS) * time.Millisecond
}

func (s SupervisorConfig) Staleness() time.Duration {
	return time.Duration(s.StalenessMS) * time.Millisecond
}

func (s SupervisorConfig) ManifestSync() time.Duration {
	return time.Duration(s.ManifestSyncMS) * time.Millisecond
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

func (d DecomposeConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

func (n NotifyConfig) FormatterTimeout() time.Duration {
	return time.Duration(n.FormatterTimeoutMS) * time.Millisecond
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Foreman Configuration

# Paths (defaults live under ~/.foreman)
# store_path: ~/.foreman/foreman.db
# workspaces_dir: ~/.foreman/workspaces
# log_dir: ~/.foreman/logs
# pid_dir: ~/.foreman/pids
# skills_dir: ~/.foreman/skills

supervisor:
  scan_interval_ms: 3000    # Reconciliation cadence
  staleness_ms: 30000       # Heartbeat age before a dead worker respawns
  manifest_sync_ms: 60000   # Capability/skill manifest sync cadence
  use_tmux: true            # Spawn workers in tmux sessions when available

worker:
  poll_interval_ms: 2000    # Scheduler tick cadence
  max_agents: 5             # Concurrent agent sessions per worker
  max_depth: 3              # Task tree depth cap
  max_consecutive_errors: 3 # Tick failures before the worker gives up
  budget_cap_usd: 0         # 0 = unbounded
  # allowed_users:          # Chat users whose commands are accepted
  #   - alice

agent:
  client: claude            # "claude" (default) or "mock"
  timeout_ms: 600000        # Per-session timeout (10 minutes)
  default_tier: sonnet      # haiku, sonnet, or opus
  loop_window: 5            # Same-tool window for loop detection

decompose:
  timeout_ms: 120000        # Decomposition call timeout
  max_turns: 3              # Reasoning turn cap

notify:
  formatter_timeout_ms: 30000
  connector: telegram
  credential_env: FOREMAN_CHAT_TOKEN

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file          # none, file, stdout, otlp
#   file_path: ~/.foreman/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
