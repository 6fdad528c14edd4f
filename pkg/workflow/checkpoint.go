// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

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

// CheckpointStore persists workflow run state in SQLite. Checkpoint
// ids increase monotonically per thread; allocation happens inside a
// transaction so concurrent saves never collide.
type CheckpointStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCheckpointStore opens (and migrates) the checkpoint database.
func NewCheckpointStore(dbPath string, logger *zap.Logger) (*CheckpointStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: checkpoint database path is required", types.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &CheckpointStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *CheckpointStore) initSchema() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_id INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON workflow_checkpoints(thread_id, checkpoint_id DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *CheckpointStore) Close() error { return s.db.Close() }

// Save writes the state as the thread's next checkpoint and returns
// the allocated checkpoint id.
func (s *CheckpointStore) Save(ctx context.Context, state *State) (int64, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to encode workflow state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(checkpoint_id), 0) + 1 FROM workflow_checkpoints WHERE thread_id = ?`,
		state.ThreadID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate checkpoint id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (thread_id, checkpoint_id, state_json, created_at) VALUES (?, ?, ?, ?)`,
		state.ThreadID, next, string(payload), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to write checkpoint %d for thread %s: %w", next, state.ThreadID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return next, nil
}

// Latest returns the thread's most recent checkpoint.
func (s *CheckpointStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, state_json, created_at
		FROM workflow_checkpoints WHERE thread_id = ?
		ORDER BY checkpoint_id DESC LIMIT 1`, threadID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", types.ErrNotFound, threadID)
	}
	return cp, err
}

// Get returns a point-in-time checkpoint.
func (s *CheckpointStore) Get(ctx context.Context, threadID string, checkpointID int64) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, state_json, created_at
		FROM workflow_checkpoints WHERE thread_id = ? AND checkpoint_id = ?`, threadID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %d for thread %s", types.ErrNotFound, checkpointID, threadID)
	}
	return cp, err
}

// History returns every checkpoint for the thread, oldest first.
func (s *CheckpointStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, checkpoint_id, state_json, created_at
		FROM workflow_checkpoints WHERE thread_id = ?
		ORDER BY checkpoint_id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteAfter discards every checkpoint with an id greater than
// checkpointID, used when resuming from an earlier point.
func (s *CheckpointStore) DeleteAfter(ctx context.Context, threadID string, checkpointID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE thread_id = ? AND checkpoint_id > ?`,
		threadID, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to discard checkpoints after %d for thread %s: %w", checkpointID, threadID, err)
	}
	return nil
}

// PruneBefore removes checkpoints created before the cutoff, keeping
// each thread's latest regardless of age.
func (s *CheckpointStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_checkpoints
		WHERE created_at < ?
		  AND checkpoint_id < (
			SELECT MAX(checkpoint_id) FROM workflow_checkpoints inner_cp
			WHERE inner_cp.thread_id = workflow_checkpoints.thread_id
		  )`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var stateJSON string
	var createdAt int64
	if err := row.Scan(&cp.ThreadID, &cp.ID, &stateJSON, &createdAt); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.UnixMilli(createdAt)
	cp.State = &State{}
	if err := json.Unmarshal([]byte(stateJSON), cp.State); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %d for thread %s: %w", cp.ID, cp.ThreadID, err)
	}
	return &cp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
