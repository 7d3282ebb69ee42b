// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	ierr "github.com/mark3labs/taskloop/internal/errors"
)

// Tracker kinds form a closed set; backend selection happens by
// configuration, not runtime type inspection.
const (
	TrackerKindLocal  = "local"
	TrackerKindGitHub = "github"
)

// Auth methods for network-backed trackers.
const (
	AuthMethodHelper = "external-helper"
	AuthMethodToken  = "token"
)

// Config holds all configuration values for taskloop.
type Config struct {
	DataDir  string        `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel string        `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string        `mapstructure:"log_file" yaml:"log_file"`
	Agent    AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Tracker  TrackerConfig `mapstructure:"tracker" yaml:"tracker"`
	Loop     LoopConfig    `mapstructure:"loop" yaml:"loop"`
}

// AgentConfig describes the external coding agent invocation.
type AgentConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// TrackerConfig selects and parameterizes the task tracker backend.
type TrackerConfig struct {
	Kind             string       `mapstructure:"kind" yaml:"kind"`
	Local            LocalConfig  `mapstructure:"local" yaml:"local"`
	GitHub           GitHubConfig `mapstructure:"github" yaml:"github"`
	LabelFilter      []string     `mapstructure:"label_filter" yaml:"label_filter"`
	ExcludeLabels    []string     `mapstructure:"exclude_labels" yaml:"exclude_labels"`
	SkipDrafts       bool         `mapstructure:"skip_drafts" yaml:"skip_drafts"`
	CloseOnDone      bool         `mapstructure:"close_on_done" yaml:"close_on_done"`
	CommentOnDone    bool         `mapstructure:"comment_on_done" yaml:"comment_on_done"`
	AddLabelsOnStart []string     `mapstructure:"add_labels_on_start" yaml:"add_labels_on_start"`
	AddLabelsOnDone  []string     `mapstructure:"add_labels_on_done" yaml:"add_labels_on_done"`
	CacheTTLSeconds  int          `mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// LocalConfig parameterizes the file-backed tracker.
type LocalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// GitHubConfig parameterizes the GitHub Issues tracker.
type GitHubConfig struct {
	Repo        string `mapstructure:"repo" yaml:"repo"` // owner/name
	AuthMethod  string `mapstructure:"auth_method" yaml:"auth_method"`
	TokenEnv    string `mapstructure:"token_env" yaml:"token_env"`
	Token       string `mapstructure:"token" yaml:"token"` // Discouraged; env or helper preferred
	APIEndpoint string `mapstructure:"api_endpoint" yaml:"api_endpoint"`
}

// GateSpec is one pass/fail check in the gate sequence.
type GateSpec struct {
	Name           string `mapstructure:"name" yaml:"name"`
	Command        string `mapstructure:"command" yaml:"command"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoopConfig holds the base iteration-loop behavior plus the named mode
// override blocks.
type LoopConfig struct {
	MaxIterations        int                     `mapstructure:"max_iterations" yaml:"max_iterations"`
	NoProgressLimit      int                     `mapstructure:"no_progress_limit" yaml:"no_progress_limit"`
	Gates                []GateSpec              `mapstructure:"gates" yaml:"gates"`
	RunnerTimeoutSeconds int                     `mapstructure:"runner_timeout_seconds" yaml:"runner_timeout_seconds"`
	Mode                 string                  `mapstructure:"mode" yaml:"mode"`
	Modes                map[string]ModeOverride `mapstructure:"modes" yaml:"modes"`
}

// Load loads configuration with full precedence:
// ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("taskloop")

	// Defaults
	v.SetDefault("data_dir", ".taskloop")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("agent.command", "opencode")
	v.SetDefault("tracker.kind", TrackerKindLocal)
	v.SetDefault("tracker.local.path", "tasks.yml")
	v.SetDefault("tracker.github.auth_method", AuthMethodToken)
	v.SetDefault("tracker.github.token_env", "GITHUB_TOKEN")
	v.SetDefault("tracker.close_on_done", true)
	v.SetDefault("tracker.comment_on_done", true)
	v.SetDefault("tracker.cache_ttl_seconds", 300)
	v.SetDefault("loop.max_iterations", 0)
	v.SetDefault("loop.no_progress_limit", 3)
	v.SetDefault("loop.runner_timeout_seconds", 1800)
	v.SetDefault("loop.mode", "default")

	// ENV binding with TASKLOOP_ prefix
	v.SetEnvPrefix("TASKLOOP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Load global config first (if exists)
	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	// Merge project config on top (if exists)
	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks schema values that must fail at load time, before any
// iteration runs.
func (c *Config) Validate() error {
	switch c.Tracker.Kind {
	case TrackerKindLocal, TrackerKindGitHub:
	default:
		return ierr.NewConfigError("tracker.kind",
			"unknown tracker kind %q (known kinds: %s, %s)", c.Tracker.Kind, TrackerKindLocal, TrackerKindGitHub)
	}

	if c.Tracker.Kind == TrackerKindGitHub {
		if c.Tracker.GitHub.Repo == "" {
			return ierr.NewConfigError("tracker.github.repo", "repository is required for the github tracker")
		}
		if parts := strings.Split(c.Tracker.GitHub.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ierr.NewConfigError("tracker.github.repo", "repository must be owner/name, got %q", c.Tracker.GitHub.Repo)
		}
		switch c.Tracker.GitHub.AuthMethod {
		case AuthMethodHelper, AuthMethodToken:
		default:
			return ierr.NewConfigError("tracker.github.auth_method",
				"unknown auth method %q (known methods: %s, %s)", c.Tracker.GitHub.AuthMethod, AuthMethodHelper, AuthMethodToken)
		}
	}

	if c.Tracker.CacheTTLSeconds < 0 {
		return ierr.NewConfigError("tracker.cache_ttl_seconds", "must be >= 0, got %d", c.Tracker.CacheTTLSeconds)
	}
	if c.Loop.MaxIterations < 0 {
		return ierr.NewConfigError("loop.max_iterations", "must be >= 0, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.NoProgressLimit < 1 {
		return ierr.NewConfigError("loop.no_progress_limit", "must be >= 1, got %d", c.Loop.NoProgressLimit)
	}
	if c.Loop.RunnerTimeoutSeconds < 0 {
		return ierr.NewConfigError("loop.runner_timeout_seconds", "must be >= 0, got %d", c.Loop.RunnerTimeoutSeconds)
	}

	// Resolving the mode here makes an unknown mode name fail the load,
	// so a misconfigured run never starts.
	if _, err := ResolveMode(c.Loop.Mode, c.Loop); err != nil {
		return err
	}

	return nil
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/taskloop/taskloop.yml or $XDG_CONFIG_HOME/taskloop/taskloop.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskloop", "taskloop.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskloop", "taskloop.yml")
}

// ProjectPath returns the project-local config path.
// Returns ./taskloop.yml in the current working directory.
func ProjectPath() string {
	return "taskloop.yml"
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(ProjectPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
