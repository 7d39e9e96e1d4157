package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

const (
	recordEventMaxRetries = 3
	recordEventBaseDelay  = 50 * time.Millisecond
)

// RecordEvent persists one event for a session. Transient busy/locked
// errors are retried with jittered exponential backoff; after the retry
// budget is exhausted the error wraps model.ErrPersistence. A duplicate
// (session_id, sequence) pair is reported as ErrDuplicate without retrying.
func (db *DB) RecordEvent(ctx context.Context, sessionID string, event model.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal %s payload: %w", event.Kind, err)
	}

	err = WithRetry(ctx, recordEventMaxRetries, recordEventBaseDelay, func() error {
		_, execErr := db.sql.ExecContext(ctx,
			`INSERT INTO events (session_id, sequence, event_type, data, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, event.Sequence, string(event.Kind), string(data), event.Timestamp.UTC(),
		)
		return execErr
	})
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("storage: event %d for %s: %w", event.Sequence, sessionID, ErrDuplicate)
		}
		return fmt.Errorf("storage: record event %d for %s: %w (%w)",
			event.Sequence, sessionID, err, model.ErrPersistence)
	}
	return nil
}

// ListEvents returns persisted events for a session with sequence greater
// than afterSequence, in sequence order. A limit <= 0 means unbounded:
// every matching row is returned. Replay depends on the unbounded mode —
// a silent cap here would leave a permanent gap in the stream for
// sessions with more persisted events than the cap, so callers that want
// a page must pass an explicit positive limit.
func (db *DB) ListEvents(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]model.Event, error) {
	query := `SELECT sequence, event_type, data, timestamp FROM events
		 WHERE session_id = ? AND sequence > ?
		 ORDER BY sequence ASC`
	args := []any{sessionID, afterSequence}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LastSequence returns the highest persisted sequence number for a session,
// or 0 when no events exist.
func (db *DB) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var last sql.NullInt64
	err := db.sql.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("storage: last sequence: %w", err)
	}
	return last.Int64, nil
}

// LatestTerminalStatus derives the session status implied by the most
// recent persisted terminal event, if any. Returns ErrNotFound when the
// session has no terminal event — the stale-session sweep then knows the
// run was interrupted rather than finished.
func (db *DB) LatestTerminalStatus(ctx context.Context, sessionID string) (model.SessionStatus, error) {
	var kind, data string
	err := db.sql.QueryRowContext(ctx,
		`SELECT event_type, data FROM events
		 WHERE session_id = ? AND event_type IN (?, ?, ?)
		 ORDER BY sequence DESC LIMIT 1`,
		sessionID,
		string(model.KindAgentComplete), string(model.KindError), string(model.KindCancelled),
	).Scan(&kind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: latest terminal status: %w", err)
	}

	switch model.EventKind(kind) {
	case model.KindCancelled:
		return model.StatusCancelled, nil
	case model.KindAgentComplete:
		var payload model.AgentCompletePayload
		if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Status == "error" {
			return model.StatusFailed, nil
		}
		return model.StatusComplete, nil
	default:
		return model.StatusFailed, nil
	}
}

// CountEvents returns the number of persisted events for a session.
func (db *DB) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return n, nil
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var seq int64
	var kind, data string
	var ts time.Time
	if err := rows.Scan(&seq, &kind, &data, &ts); err != nil {
		return model.Event{}, fmt.Errorf("storage: scan event: %w", err)
	}

	wire := fmt.Sprintf(`{"type":%q,"data":%s,"timestamp":%q,"sequence":%d}`,
		kind, data, ts.UTC().Format(time.RFC3339Nano), seq)

	var event model.Event
	if err := json.Unmarshal([]byte(wire), &event); err != nil {
		return model.Event{}, fmt.Errorf("storage: decode event %d: %w", seq, err)
	}
	return event, nil
}
