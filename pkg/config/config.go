// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config loads platform configuration from environment
// variables and an optional studio.yaml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Profile selects between the stable and development configuration
// profiles (MCP_STABLE_MODE).
type Profile string

const (
	ProfileStable Profile = "stable"
	ProfileDev    Profile = "dev"
)

// DefaultProcessPattern matches the Claude Code agent binary on a ps
// command line.
const DefaultProcessPattern = `@anthropic-ai/claude-code|claude-code (--api|api)`

// Config is the resolved platform configuration.
type Config struct {
	// APIBase is the API base URL handed to companion processes
	// (CLAUDE_STUDIO_API).
	APIBase string `mapstructure:"api_base"`

	// ListenAddr is the REST/WebSocket listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// UseMockAI short-circuits agent shims to deterministic responses
	// and human nodes to auto-approve (USE_MOCK_AI).
	UseMockAI bool `mapstructure:"use_mock_ai"`

	// StableMode selects the stable profile (MCP_STABLE_MODE).
	StableMode bool `mapstructure:"stable_mode"`

	// SocketDir is where per-agent IPC sockets are created.
	SocketDir string `mapstructure:"socket_dir"`

	// RegistryPath is the JSON mirror of the process registry.
	RegistryPath string `mapstructure:"registry_path"`

	// DataDir holds the SQLite databases (checkpoints, approvals,
	// agent configs).
	DataDir string `mapstructure:"data_dir"`

	// ConfigsDir is watched for agent configuration files.
	ConfigsDir string `mapstructure:"configs_dir"`

	// ProcessPattern is the regexp fragment used for zombie discovery.
	ProcessPattern string `mapstructure:"process_pattern"`

	// HealthInterval is the registry health-check cadence.
	HealthInterval time.Duration `mapstructure:"health_interval"`

	// ApprovalSweepSpec is the cron spec for expiring approvals.
	ApprovalSweepSpec string `mapstructure:"approval_sweep_spec"`

	// NATSURL enables cross-process event fan-out when set.
	NATSURL string `mapstructure:"nats_url"`
}

// Load reads configuration from studio.yaml (if present in the working
// directory or ~/.studio-ai) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":3456")
	v.SetDefault("socket_dir", os.TempDir())
	v.SetDefault("registry_path", filepath.Join(os.TempDir(), "claude-agents", "registry.json"))
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("configs_dir", filepath.Join(defaultDataDir(), "agents"))
	v.SetDefault("process_pattern", DefaultProcessPattern)
	v.SetDefault("health_interval", 30*time.Second)
	v.SetDefault("approval_sweep_spec", "@every 30s")

	v.SetConfigName("studio")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".studio-ai"))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment overrides use the documented names.
	_ = v.BindEnv("api_base", "CLAUDE_STUDIO_API")
	_ = v.BindEnv("use_mock_ai", "USE_MOCK_AI")
	_ = v.BindEnv("stable_mode", "MCP_STABLE_MODE")
	_ = v.BindEnv("listen_addr", "STUDIO_LISTEN_ADDR")
	_ = v.BindEnv("nats_url", "STUDIO_NATS_URL")
	_ = v.BindEnv("data_dir", "STUDIO_DATA_DIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.StableMode {
		// The stable profile slows the approval sweep to reduce churn
		// on long-lived deployments.
		if !v.InConfig("approval_sweep_spec") {
			cfg.ApprovalSweepSpec = "@every 1m"
		}
	}

	return &cfg, nil
}

// Profile returns the active configuration profile.
func (c *Config) Profile() Profile {
	if c.StableMode {
		return ProfileStable
	}
	return ProfileDev
}

// SocketPath returns the IPC socket path for an agent.
func (c *Config) SocketPath(agentID string) string {
	return filepath.Join(c.SocketDir, "claude-agents."+agentID)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "studio-ai")
	}
	return filepath.Join(home, ".studio-ai")
}
