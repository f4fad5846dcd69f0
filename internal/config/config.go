// Package config loads ralph's configuration from defaults, an optional
// config file, RALPH_* environment variables and command-line flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"featureloop/internal/backlog"
	"featureloop/internal/journal"
	"featureloop/internal/ralph"
)

// EnvPrefix prefixes every environment variable, e.g. RALPH_MAX_ITERATIONS
// for max_iterations and RALPH_AGENT_COMMAND for agent.command.
const EnvPrefix = "RALPH"

// FileName is the config file name searched for, without extension.
const FileName = ".ralph"

// Config represents the complete ralph configuration
type Config struct {
	BacklogFile   string `mapstructure:"backlog_file"`
	ProgressFile  string `mapstructure:"progress_file"`
	WorkDir       string `mapstructure:"workdir"`
	MaxIterations int    `mapstructure:"max_iterations"`
	DryRun        bool   `mapstructure:"dry_run"`
	Verbose       bool   `mapstructure:"verbose"`
	// Sentinel is the literal the agent prints when it believes the
	// backlog is complete.
	Sentinel string `mapstructure:"sentinel"`

	Agent   AgentConfig   `mapstructure:"agent"`
	Prompt  PromptConfig  `mapstructure:"prompt"`
	Journal JournalConfig `mapstructure:"journal"`
	CI      CIConfig      `mapstructure:"ci"`
	Log     LogConfig     `mapstructure:"log"`
}

// AgentConfig controls how the coding agent is launched
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Timeout bounds each invocation. Zero means no limit.
	Timeout time.Duration `mapstructure:"timeout"`
	// PTY attaches the agent to a pseudo-terminal.
	PTY bool `mapstructure:"pty"`
	// PromptStdin pipes the prompt on stdin instead of passing it as the
	// last argument.
	PromptStdin bool `mapstructure:"prompt_stdin"`
}

// PromptConfig controls prompt composition
type PromptConfig struct {
	// TemplateFile replaces the built-in template when set.
	TemplateFile string `mapstructure:"template_file"`
}

// JournalConfig controls how much history reaches the prompt
type JournalConfig struct {
	Tail int `mapstructure:"tail"`
}

// CIConfig controls the CI Guard
type CIConfig struct {
	// FailFast skips the test phase when the build phase failed.
	FailFast bool `mapstructure:"fail_fast"`
}

// LogConfig controls diagnostic logging
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File receives JSON log lines; empty means stderr.
	File string `mapstructure:"file"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		BacklogFile:   backlog.DefaultFileName,
		ProgressFile:  journal.DefaultFileName,
		WorkDir:       ".",
		MaxIterations: ralph.DefaultMaxIterations,
		Sentinel:      ralph.DefaultSentinel,
		Agent: AgentConfig{
			Command: ralph.DefaultAgentCommand,
			Args:    append([]string(nil), ralph.DefaultAgentArgs...),
		},
		Journal: JournalConfig{Tail: ralph.DefaultJournalTail},
		CI:      CIConfig{FailFast: true},
		Log:     LogConfig{Level: "warn"},
	}
}

// SetDefaults registers every default on v so that keys exist even
// without a config file.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("backlog_file", defaults.BacklogFile)
	v.SetDefault("progress_file", defaults.ProgressFile)
	v.SetDefault("workdir", defaults.WorkDir)
	v.SetDefault("max_iterations", defaults.MaxIterations)
	v.SetDefault("dry_run", defaults.DryRun)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("sentinel", defaults.Sentinel)

	// Agent defaults
	v.SetDefault("agent.command", defaults.Agent.Command)
	v.SetDefault("agent.args", defaults.Agent.Args)
	v.SetDefault("agent.timeout", defaults.Agent.Timeout)
	v.SetDefault("agent.pty", defaults.Agent.PTY)
	v.SetDefault("agent.prompt_stdin", defaults.Agent.PromptStdin)

	v.SetDefault("prompt.template_file", defaults.Prompt.TemplateFile)
	v.SetDefault("journal.tail", defaults.Journal.Tail)
	v.SetDefault("ci.fail_fast", defaults.CI.FailFast)

	// Logging defaults
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.file", defaults.Log.File)
}

// New returns a viper instance with defaults and environment binding set
// up. When file is empty, .ralph.yaml is searched for in dirs (default the
// current directory) and then ConfigDir.
func New(file string, dirs ...string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if len(dirs) == 0 {
			dirs = []string{"."}
		}
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	// e.g., RALPH_AGENT_TIMEOUT for agent.timeout
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the config file v was set up with. A missing file is only
// an error when it was named explicitly.
func ReadFile(v *viper.Viper, explicit bool) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if !explicit && errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Resolve returns p relative to the working directory unless it is
// absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// BacklogPath is the resolved backlog location.
func (c *Config) BacklogPath() string {
	return c.Resolve(c.BacklogFile)
}

// ProgressPath is the resolved journal location.
func (c *Config) ProgressPath() string {
	return c.Resolve(c.ProgressFile)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ralph")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ralph"
	}
	return filepath.Join(home, ".config", "ralph")
}
