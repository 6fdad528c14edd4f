// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package approval owns human-approval records: creation, decisions,
// timeouts, and the polling waiter used by workflow human steps.
package approval

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

// Status is an approval lifecycle state. Only pending is mutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// RiskLevel classifies how dangerous the approved action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Approval is one human-approval record.
//
// Invariants: ResolvedAt is set iff Status is terminal;
// ExpiresAt = RequestedAt + TimeoutSeconds when TimeoutSeconds > 0.
type Approval struct {
	ID                      string         `json:"id"`
	ThreadID                string         `json:"threadId"`
	StepID                  string         `json:"stepId"`
	ProjectID               string         `json:"projectId"`
	WorkflowName            string         `json:"workflowName,omitempty"`
	Prompt                  string         `json:"prompt"`
	ContextData             map[string]any `json:"contextData,omitempty"`
	RiskLevel               RiskLevel      `json:"riskLevel"`
	RequestedAt             time.Time      `json:"requestedAt"`
	TimeoutSeconds          int            `json:"timeoutSeconds"`
	ExpiresAt               *time.Time     `json:"expiresAt,omitempty"`
	Status                  Status         `json:"status"`
	ResolvedAt              *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy              string         `json:"resolvedBy,omitempty"`
	ApprovalRequired        bool           `json:"approvalRequired"`
	AutoApproveAfterTimeout bool           `json:"autoApproveAfterTimeout"`
}

// Filter narrows ListApprovals.
type Filter struct {
	ProjectID string
	ThreadID  string
	Status    Status
}

// Store persists approvals in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (and migrates) the approval database at dbPath.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: approval database path is required", types.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize approval schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		context_json TEXT NOT NULL DEFAULT '{}',
		risk_level TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		status TEXT NOT NULL,
		resolved_at INTEGER,
		resolved_by TEXT NOT NULL DEFAULT '',
		approval_required INTEGER NOT NULL DEFAULT 1,
		auto_approve INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_project ON approvals(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_approvals_thread ON approvals(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new approval record.
func (s *Store) Create(ctx context.Context, a *Approval) error {
	contextJSON, err := json.Marshal(a.ContextData)
	if err != nil {
		return fmt.Errorf("failed to encode context data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals
			(id, thread_id, step_id, project_id, workflow_name, prompt, context_json,
			 risk_level, requested_at, timeout_seconds, expires_at, status,
			 resolved_at, resolved_by, approval_required, auto_approve)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ThreadID, a.StepID, a.ProjectID, a.WorkflowName, a.Prompt, string(contextJSON),
		string(a.RiskLevel), a.RequestedAt.UnixMilli(), a.TimeoutSeconds, unixOrNil(a.ExpiresAt),
		string(a.Status), unixOrNil(a.ResolvedAt), a.ResolvedBy,
		boolInt(a.ApprovalRequired), boolInt(a.AutoApproveAfterTimeout))
	if err != nil {
		return fmt.Errorf("failed to insert approval %s: %w", a.ID, err)
	}
	return nil
}

// Get returns an approval by id.
func (s *Store) Get(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s", types.ErrNotFound, id)
	}
	return a, err
}

// Resolve transitions a pending approval to a terminal status. The
// WHERE guard makes the pending check and the write one atomic step,
// so two racing decisions cannot both win.
func (s *Store) Resolve(ctx context.Context, id string, status Status, by string, at time.Time) (*Approval, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", types.ErrValidation, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = ?`,
		string(status), at.UnixMilli(), by, id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval %s: %w", id, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: approval %s is already %s", types.ErrValidation, id, current.Status)
	}
	return s.Get(ctx, id)
}

// List returns approvals matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Approval, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, f.ThreadID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Expired returns pending approvals whose deadline has passed.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(StatusPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, thread_id, step_id, project_id, workflow_name, prompt, context_json,
	       risk_level, requested_at, timeout_seconds, expires_at, status,
	       resolved_at, resolved_by, approval_required, auto_approve
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var contextJSON, risk, status string
	var requestedAt int64
	var expiresAt, resolvedAt sql.NullInt64
	var required, auto int

	err := row.Scan(&a.ID, &a.ThreadID, &a.StepID, &a.ProjectID, &a.WorkflowName, &a.Prompt,
		&contextJSON, &risk, &requestedAt, &a.TimeoutSeconds, &expiresAt, &status,
		&resolvedAt, &a.ResolvedBy, &required, &auto)
	if err != nil {
		return nil, err
	}

	a.RiskLevel = RiskLevel(risk)
	a.Status = Status(status)
	a.RequestedAt = time.UnixMilli(requestedAt)
	a.ApprovalRequired = required != 0
	a.AutoApproveAfterTimeout = auto != 0
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		a.ExpiresAt = &t
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(contextJSON), &a.ContextData); err != nil {
		return nil, fmt.Errorf("corrupt context data for approval %s: %w", a.ID, err)
	}
	return &a, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
