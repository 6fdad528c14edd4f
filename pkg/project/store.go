// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package project manages agent configurations and the processes
// spawned from them. Configurations live in SQLite in two scopes,
// global and per-project; the manager spawns agent processes on
// demand and revives offline ones.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/alicoding/studio-ai-sub007/internal/sqlitedriver"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// Store persists agent configurations. Thread-safe through the
// database/sql pool.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (and migrates) the config database at dbPath.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: config database path is required", types.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize config schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS agent_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		project_id TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		tools_json TEXT NOT NULL DEFAULT '[]',
		model TEXT NOT NULL DEFAULT '',
		max_tokens INTEGER NOT NULL DEFAULT 0,
		temperature REAL NOT NULL DEFAULT 0,
		max_turns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_configs_project ON agent_configs(project_id);
	CREATE INDEX IF NOT EXISTS idx_agent_configs_role ON agent_configs(project_id, role COLLATE NOCASE);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts a configuration. An empty ProjectID is stored as the
// global scope.
func (s *Store) Save(ctx context.Context, cfg *types.AgentConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("%w: config id is required", types.ErrValidation)
	}
	if cfg.Role == "" {
		return fmt.Errorf("%w: config role is required", types.ErrValidation)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = types.GlobalProject
	}

	tools, err := json.Marshal(cfg.Tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_configs
			(id, name, role, project_id, system_prompt, tools_json, model, max_tokens, temperature, max_turns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			project_id = excluded.project_id,
			system_prompt = excluded.system_prompt,
			tools_json = excluded.tools_json,
			model = excluded.model,
			max_tokens = excluded.max_tokens,
			temperature = excluded.temperature,
			max_turns = excluded.max_turns,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Role, cfg.ProjectID, cfg.SystemPrompt, string(tools),
		cfg.Model, cfg.MaxTokens, cfg.Temperature, cfg.MaxTurns, now, now)
	if err != nil {
		return fmt.Errorf("failed to save config %s: %w", cfg.ID, err)
	}

	s.logger.Debug("agent config saved",
		zap.String("config_id", cfg.ID),
		zap.String("role", cfg.Role),
		zap.String("project_id", cfg.ProjectID))
	return nil
}

// Get returns a configuration by id.
func (s *Store) Get(ctx context.Context, id string) (*types.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, project_id, system_prompt, tools_json, model, max_tokens, temperature, max_turns
		FROM agent_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent config %s", types.ErrNotFound, id)
	}
	return cfg, err
}

// Delete removes a configuration by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete config %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent config %s", types.ErrNotFound, id)
	}
	return nil
}

// List returns every configuration visible to a project: its own scope
// plus the global scope. Passing types.GlobalProject lists only the
// global scope.
func (s *Store) List(ctx context.Context, projectID string) ([]*types.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, project_id, system_prompt, tools_json, model, max_tokens, temperature, max_turns
		FROM agent_configs
		WHERE project_id = ? OR project_id = ?
		ORDER BY project_id, role, id`, projectID, types.GlobalProject)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	var configs []*types.AgentConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// ResolveRole finds the configuration for a (project, role) pair.
// Role matching is case-insensitive; the project scope wins over the
// global scope.
func (s *Store) ResolveRole(ctx context.Context, projectID, role string) (*types.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, project_id, system_prompt, tools_json, model, max_tokens, temperature, max_turns
		FROM agent_configs
		WHERE role = ? COLLATE NOCASE AND project_id IN (?, ?)
		ORDER BY CASE project_id WHEN ? THEN 0 ELSE 1 END
		LIMIT 1`,
		role, projectID, types.GlobalProject, projectID)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no agent found for role %s", types.ErrNotFound, role)
	}
	return cfg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*types.AgentConfig, error) {
	var cfg types.AgentConfig
	var tools string
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Role, &cfg.ProjectID, &cfg.SystemPrompt,
		&tools, &cfg.Model, &cfg.MaxTokens, &cfg.Temperature, &cfg.MaxTurns)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &cfg.Tools); err != nil {
		return nil, fmt.Errorf("corrupt tools for config %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}
