// Package config loads the agent's YAML configuration file: one Config
// struct aggregating per-component blocks, each decoded with unknown-field
// rejection and then backfilled with documented defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for an OpenStarry agent.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Safety      SafetyConfig      `yaml:"safety"`
	Security    SecurityConfig    `yaml:"security"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SandboxConfig configures the plugin sandbox host (C10).
type SandboxConfig struct {
	WorkerBinary           string        `yaml:"worker_binary"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	StallCheckInterval     time.Duration `yaml:"stall_check_interval"`
	DefaultCPUStallTimeout time.Duration `yaml:"default_cpu_stall_timeout"`
	DefaultRPCTimeout      time.Duration `yaml:"default_rpc_timeout"`
	InitTimeout            time.Duration `yaml:"init_timeout"`
	ResetTimeout           time.Duration `yaml:"reset_timeout"`
	PluginPaths            []string      `yaml:"plugin_paths"`
}

// SafetyConfig configures the per-session safety monitor (C6).
type SafetyConfig struct {
	MaxLoopTicks            int     `yaml:"max_loop_ticks"`
	MaxTokenUsage           int64   `yaml:"max_token_usage"`
	RepetitiveFailThreshold int     `yaml:"repetitive_fail_threshold"`
	FrustrationThreshold    int     `yaml:"frustration_threshold"`
	ErrorWindowSize         int     `yaml:"error_window_size"`
	ErrorRateThreshold      float64 `yaml:"error_rate_threshold"`
}

// SecurityConfig configures the path-containment layer (C7).
type SecurityConfig struct {
	AllowedPaths []string `yaml:"allowed_paths"`
}

// PersistenceConfig configures the session persistence store (C12).
type PersistenceConfig struct {
	StatePath      string        `yaml:"state_path"`
	MaxHistorySize int           `yaml:"max_history_size"`
	FlushCount     int           `yaml:"flush_count"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// DaemonConfig configures the RPC server and lifecycle paths (C13/C15).
type DaemonConfig struct {
	StatePath   string `yaml:"state_path"`
	SocketPath  string `yaml:"socket_path"`
	PIDFile     string `yaml:"pid_file"`
	LogFile     string `yaml:"log_file"`
	ReplayCount int    `yaml:"replay_count"`
}

// LoggingConfig configures log/slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, expands ${VAR}-style environment references, rejects
// unknown fields, rejects any content beyond a single YAML document,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: %s must contain a single YAML document", path)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "default"
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "openstarry"
	}
	if cfg.Agent.Version == "" {
		cfg.Agent.Version = "dev"
	}

	applySandboxDefaults(&cfg.Sandbox)
	applySafetyDefaults(&cfg.Safety)
	applyPersistenceDefaults(&cfg.Persistence)
	applyDaemonDefaults(&cfg.Daemon, cfg.Persistence.StatePath)
	applyLoggingDefaults(&cfg.Logging)
}

func applySandboxDefaults(cfg *SandboxConfig) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StallCheckInterval == 0 {
		cfg.StallCheckInterval = 45 * time.Second
	}
	if cfg.DefaultCPUStallTimeout == 0 {
		cfg.DefaultCPUStallTimeout = 60 * time.Second
	}
	if cfg.DefaultRPCTimeout == 0 {
		cfg.DefaultRPCTimeout = 30 * time.Second
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
}

func applySafetyDefaults(cfg *SafetyConfig) {
	if cfg.MaxLoopTicks == 0 {
		cfg.MaxLoopTicks = 50
	}
	if cfg.MaxTokenUsage == 0 {
		cfg.MaxTokenUsage = 100000
	}
	if cfg.RepetitiveFailThreshold == 0 {
		cfg.RepetitiveFailThreshold = 3
	}
	if cfg.FrustrationThreshold == 0 {
		cfg.FrustrationThreshold = 5
	}
	if cfg.ErrorWindowSize == 0 {
		cfg.ErrorWindowSize = 10
	}
	if cfg.ErrorRateThreshold == 0 {
		cfg.ErrorRateThreshold = 0.8
	}
}

func applyPersistenceDefaults(cfg *PersistenceConfig) {
	if cfg.StatePath == "" {
		cfg.StatePath = defaultStateRoot()
	}
	if cfg.MaxHistorySize == 0 {
		cfg.MaxHistorySize = 1000
	}
	if cfg.FlushCount == 0 {
		cfg.FlushCount = 5
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
}

func applyDaemonDefaults(cfg *DaemonConfig, persistenceStatePath string) {
	if cfg.StatePath == "" {
		cfg.StatePath = persistenceStatePath
	}
	if cfg.StatePath == "" {
		cfg.StatePath = defaultStateRoot()
	}
	if cfg.ReplayCount == 0 {
		cfg.ReplayCount = 50
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/tmp/.openstarry"
	}
	return home + "/.openstarry"
}

// ValidationError reports every config issue found, rather than stopping at
// the first.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if strings.TrimSpace(cfg.Agent.ID) == "" {
		issues = append(issues, "agent.id must not be blank")
	}
	if cfg.Safety.ErrorRateThreshold < 0 || cfg.Safety.ErrorRateThreshold > 1 {
		issues = append(issues, "safety.error_rate_threshold must be between 0 and 1")
	}
	if cfg.Safety.MaxLoopTicks < 0 {
		issues = append(issues, "safety.max_loop_ticks must be >= 0")
	}
	if cfg.Persistence.MaxHistorySize < 0 {
		issues = append(issues, "persistence.max_history_size must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, "logging.format must be \"json\" or \"text\"")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
