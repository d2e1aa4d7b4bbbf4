// Package config loads the daemon's TOML configuration. Every scheduling
// and lifecycle duration is a tunable here rather than a constant baked
// into the orchestration code.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the data directory.
const FileName = "config.toml"

// Config is the daemon configuration.
type Config struct {
	Agent        AgentConfig        `toml:"agent"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Web          WebConfig          `toml:"web"`
	Log          LogConfig          `toml:"log"`
	DB           DBConfig           `toml:"db"`
}

// AgentConfig describes the agent command hosted in every session.
type AgentConfig struct {
	// Command is the agent binary (e.g. "claude").
	Command string `toml:"command"`

	// Args are base arguments prepended before any resumption flags.
	Args []string `toml:"args"`
}

// Argv returns the base argv for spawning the agent.
func (a AgentConfig) Argv() []string {
	return append([]string{a.Command}, a.Args...)
}

// SchedulerConfig tunes the queue scheduler.
type SchedulerConfig struct {
	// MaxConcurrentSessions seeds the persisted settings row on first
	// run; the database value wins afterwards.
	MaxConcurrentSessions int `toml:"max_concurrent_sessions"`

	// DispatchGapMs is the minimum interval between two dispatches.
	DispatchGapMs int `toml:"dispatch_gap_ms"`

	// AutoDispatchIntervalMs is the safety-net poll interval.
	AutoDispatchIntervalMs int `toml:"auto_dispatch_interval_ms"`
}

// OrchestratorConfig tunes session lifecycle timing.
type OrchestratorConfig struct {
	// IdleThresholdMs is how long a session must stay silent before it
	// counts as idle.
	IdleThresholdMs int `toml:"idle_threshold_ms"`

	// RetryGraceMs bounds the early-exit window in which a failed
	// "continue recent" activation is retried without continuation.
	RetryGraceMs int `toml:"retry_grace_ms"`

	// CommentSettleMs is the delay before queued comments are delivered
	// to a freshly activated session.
	CommentSettleMs int `toml:"comment_settle_ms"`
}

// WebConfig tunes the websocket bridge.
type WebConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// LogConfig mirrors the logging package configuration.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Dir    string `toml:"dir"`
}

// DBConfig locates the state database.
type DBConfig struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{Command: "claude"},
		Scheduler: SchedulerConfig{
			MaxConcurrentSessions:  3,
			DispatchGapMs:          1500,
			AutoDispatchIntervalMs: 5000,
		},
		Orchestrator: OrchestratorConfig{
			IdleThresholdMs: 45000,
			RetryGraceMs:    10000,
			CommentSettleMs: 2000,
		},
		Web: WebConfig{ListenAddr: "127.0.0.1:8791"},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path, filling unset fields from Default.
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes the config as TOML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// fillDefaults replaces zero values with defaults so a sparse config file
// never zeroes out a tunable.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Agent.Command == "" {
		c.Agent.Command = def.Agent.Command
	}
	if c.Scheduler.MaxConcurrentSessions <= 0 {
		c.Scheduler.MaxConcurrentSessions = def.Scheduler.MaxConcurrentSessions
	}
	if c.Scheduler.DispatchGapMs <= 0 {
		c.Scheduler.DispatchGapMs = def.Scheduler.DispatchGapMs
	}
	if c.Scheduler.AutoDispatchIntervalMs <= 0 {
		c.Scheduler.AutoDispatchIntervalMs = def.Scheduler.AutoDispatchIntervalMs
	}
	if c.Orchestrator.IdleThresholdMs <= 0 {
		c.Orchestrator.IdleThresholdMs = def.Orchestrator.IdleThresholdMs
	}
	if c.Orchestrator.RetryGraceMs <= 0 {
		c.Orchestrator.RetryGraceMs = def.Orchestrator.RetryGraceMs
	}
	if c.Orchestrator.CommentSettleMs <= 0 {
		c.Orchestrator.CommentSettleMs = def.Orchestrator.CommentSettleMs
	}
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = def.Web.ListenAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Duration accessors.

func (c *Config) DispatchGap() time.Duration {
	return time.Duration(c.Scheduler.DispatchGapMs) * time.Millisecond
}

func (c *Config) AutoDispatchInterval() time.Duration {
	return time.Duration(c.Scheduler.AutoDispatchIntervalMs) * time.Millisecond
}

func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Orchestrator.IdleThresholdMs) * time.Millisecond
}

func (c *Config) RetryGrace() time.Duration {
	return time.Duration(c.Orchestrator.RetryGraceMs) * time.Millisecond
}

func (c *Config) CommentSettle() time.Duration {
	return time.Duration(c.Orchestrator.CommentSettleMs) * time.Millisecond
}

// DataDir returns the default data directory (~/.agentboard).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentboard"
	}
	return filepath.Join(home, ".agentboard")
}
