package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

const sessionColumns = `id, user_id, status, task, model, working_dir,
	created_at, updated_at, completed_at,
	num_turns, duration_ms, total_cost_usd, cancel_requested, resume_id`

// CreateSession inserts a new session row with status pending.
func (db *DB) CreateSession(ctx context.Context, userID, sessionID, task, modelName, workingDir string) (model.Session, error) {
	now := time.Now().UTC()
	s := model.Session{
		ID:         sessionID,
		UserID:     userID,
		Status:     model.StatusPending,
		Task:       task,
		Model:      modelName,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, task, model, working_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, string(s.Status), s.Task, s.Model, s.WorkingDir, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// GetSession returns the session with the given id owned by userID. A
// session owned by another user yields ErrNotFound — indistinguishable from
// a missing session, so ids cannot be enumerated across users. An empty
// userID skips the owner filter (internal callers only).
func (db *DB) GetSession(ctx context.Context, sessionID, userID string) (model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	args := []any{sessionID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	row := db.sql.QueryRowContext(ctx, query, args...)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns the user's sessions newest first, plus the total
// count for pagination.
func (db *DB) ListSessions(ctx context.Context, userID string, limit, offset int) ([]model.Session, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

// UpdateSession applies a partial update and returns the post-image.
func (db *DB) UpdateSession(ctx context.Context, sessionID string, update model.SessionUpdate) (model.Session, error) {
	set := "updated_at = ?"
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		set += ", status = ?"
		args = append(args, string(*update.Status))
	}
	if update.NumTurns != nil {
		set += ", num_turns = ?"
		args = append(args, *update.NumTurns)
	}
	if update.DurationMS != nil {
		set += ", duration_ms = ?"
		args = append(args, *update.DurationMS)
	}
	if update.TotalCostUSD != nil {
		set += ", total_cost_usd = ?"
		args = append(args, *update.TotalCostUSD)
	}
	if update.CancelRequested != nil {
		set += ", cancel_requested = ?"
		args = append(args, boolInt(*update.CancelRequested))
	}
	if update.ResumeID != nil {
		set += ", resume_id = ?"
		args = append(args, *update.ResumeID)
	}
	if update.CompletedAt != nil {
		set += ", completed_at = ?"
		args = append(args, update.CompletedAt.UTC())
	}
	if update.Model != nil {
		set += ", model = ?"
		args = append(args, *update.Model)
	}

	args = append(args, sessionID)
	res, err := db.sql.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: update session rows: %w", err)
	}
	if affected == 0 {
		return model.Session{}, ErrNotFound
	}

	return db.GetSession(ctx, sessionID, "")
}

// ListRunningSessions returns all sessions currently marked running.
// Used by the startup stale-session sweep.
func (db *DB) ListRunningSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ?`,
		string(model.StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var s model.Session
	var status string
	var completedAt sql.NullTime
	var resumeID sql.NullString
	var cancelRequested int

	err := row.Scan(
		&s.ID, &s.UserID, &status, &s.Task, &s.Model, &s.WorkingDir,
		&s.CreatedAt, &s.UpdatedAt, &completedAt,
		&s.NumTurns, &s.DurationMS, &s.TotalCostUSD, &cancelRequested, &resumeID,
	)
	if err != nil {
		return model.Session{}, err
	}

	s.Status = model.SessionStatus(status)
	s.CancelRequested = cancelRequested != 0
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	if resumeID.Valid {
		v := resumeID.String
		s.ResumeID = &v
	}
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
