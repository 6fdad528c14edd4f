// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package cleaner reclaims rogue agent processes. It discovers running
// agent binaries through ps, force-kills any pid the registry does not
// know about, and prunes registry entries whose process has died.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultPattern matches the Claude Code agent binary on a command line.
const DefaultPattern = `@anthropic-ai/claude-code|claude-code (--api|api)`

// graceTimeout is how long a process gets to exit after SIGTERM before
// the cleaner escalates to SIGKILL.
const graceTimeout = 2 * time.Second

// RegistryView is the narrow registry capability the cleaner needs.
type RegistryView interface {
	PIDs() map[int]string
	RemoveDead() []string
	Clear() error
}

// Process is one discovered agent process.
type Process struct {
	PID     int
	Command string
}

// CleanupResult aggregates the outcome of a sweep. Individual kill
// failures are collected in Errors and never abort the sweep.
type CleanupResult struct {
	KilledProcesses []string      `json:"killedProcesses"`
	RemovedEntries  []string      `json:"removedEntries"`
	Errors          []string      `json:"errors"`
	Duration        time.Duration `json:"duration"`
}

// PSFunc returns raw ps output. Injectable for tests.
type PSFunc func(ctx context.Context) (string, error)

// KillFunc sends a signal to a pid. Injectable for tests.
type KillFunc func(pid int, sig syscall.Signal) error

// Config configures a Cleaner.
type Config struct {
	// Pattern is a regexp fragment matched against discovered command
	// lines. Defaults to DefaultPattern.
	Pattern string

	Registry RegistryView
	Logger   *zap.Logger

	// PS and Kill override process discovery and signalling (tests).
	PS   PSFunc
	Kill KillFunc
}

// Cleaner discovers and reclaims zombie agent processes.
type Cleaner struct {
	pattern  *regexp.Regexp
	registry RegistryView
	logger   *zap.Logger
	ps       PSFunc
	kill     KillFunc
}

// New creates a cleaner. Returns an error when the pattern does not
// compile.
func New(cfg Config) (*Cleaner, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid process pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PS == nil {
		cfg.PS = runPS
	}
	if cfg.Kill == nil {
		cfg.Kill = syscall.Kill
	}
	return &Cleaner{
		pattern:  re,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		ps:       cfg.PS,
		kill:     cfg.Kill,
	}, nil
}

func runPS(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ps", "aux").Output()
	if err != nil {
		return "", fmt.Errorf("ps failed: %w", err)
	}
	return string(out), nil
}

// Discover lists running processes whose command line matches the
// agent pattern. ps output is whitespace-separated with the numeric
// pid in column 2 and the command from column 10 onwards.
func (c *Cleaner) Discover(ctx context.Context) ([]Process, error) {
	out, err := c.ps(ctx)
	if err != nil {
		return nil, err
	}

	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		command := strings.Join(fields[10:], " ")
		if c.pattern.MatchString(command) {
			procs = append(procs, Process{PID: pid, Command: command})
		}
	}
	return procs, nil
}

// GetProcessCount returns how many agent processes are running.
func (c *Cleaner) GetProcessCount(ctx context.Context) (int, error) {
	procs, err := c.Discover(ctx)
	if err != nil {
		return 0, err
	}
	return len(procs), nil
}

// NeedsCleanup reports whether more agent processes are running than
// the registry knows about.
func (c *Cleaner) NeedsCleanup(ctx context.Context) (bool, error) {
	procs, err := c.Discover(ctx)
	if err != nil {
		return false, err
	}
	return len(procs) > len(c.registry.PIDs()), nil
}

// CleanupZombies kills every discovered agent process that is not in
// the registry, then prunes registry entries whose probe now fails.
func (c *Cleaner) CleanupZombies(ctx context.Context) *CleanupResult {
	start := time.Now()
	result := &CleanupResult{}

	procs, err := c.Discover(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(start)
		return result
	}

	registered := c.registry.PIDs()
	for _, proc := range procs {
		if _, ok := registered[proc.PID]; ok {
			continue
		}
		if err := c.terminate(proc.PID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("PID %d: %v", proc.PID, err))
			continue
		}
		result.KilledProcesses = append(result.KilledProcesses, fmt.Sprintf("PID %d: %s", proc.PID, proc.Command))
		c.logger.Info("killed zombie agent process",
			zap.Int("pid", proc.PID),
			zap.String("command", proc.Command))
	}

	result.RemovedEntries = c.registry.RemoveDead()
	result.Duration = time.Since(start)

	c.logger.Info("zombie cleanup complete",
		zap.Int("killed", len(result.KilledProcesses)),
		zap.Int("removed", len(result.RemovedEntries)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration))
	return result
}

// EmergencyCleanup force-kills every discovered agent process,
// registered or not, then clears the registry.
func (c *Cleaner) EmergencyCleanup(ctx context.Context) *CleanupResult {
	start := time.Now()
	result := &CleanupResult{}

	procs, err := c.Discover(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	for _, proc := range procs {
		if err := c.signal(proc.PID, syscall.SIGKILL); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("PID %d: %v", proc.PID, err))
			continue
		}
		result.KilledProcesses = append(result.KilledProcesses, fmt.Sprintf("PID %d: %s", proc.PID, proc.Command))
	}

	if err := c.registry.Clear(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Duration = time.Since(start)
	c.logger.Warn("emergency cleanup complete",
		zap.Int("killed", len(result.KilledProcesses)),
		zap.Int("errors", len(result.Errors)))
	return result
}

// terminate sends SIGTERM, waits up to graceTimeout for the process to
// exit, then escalates to SIGKILL.
func (c *Cleaner) terminate(pid int) error {
	if err := c.signal(pid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(graceTimeout)
	for time.Now().Before(deadline) {
		if err := c.kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return c.signal(pid, syscall.SIGKILL)
}

// signal sends sig and treats an already-gone process as success.
func (c *Cleaner) signal(pid int, sig syscall.Signal) error {
	err := c.kill(pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
