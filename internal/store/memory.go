package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionSummary returns the stored summary for a user's session, or "".
func (db *DB) SessionSummary(ctx context.Context, sessionID string, userID int64) (string, error) {
	var s sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT summary FROM `+db.tbl("session_summaries")+` WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select session summary: %w", err)
	}
	return s.String, nil
}

func (db *DB) UpsertSessionSummary(ctx context.Context, sessionID string, userID int64, summary string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO `+db.tbl("session_summaries")+` (session_id, user_id, summary, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, user_id)
		DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		sessionID, userID, summary, db.now())
	if err != nil {
		return fmt.Errorf("upsert session summary: %w", err)
	}
	return nil
}

// UserMemory returns the long-term memory of a user, or "".
func (db *DB) UserMemory(ctx context.Context, userID int64) (string, error) {
	var s sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT memory_summary FROM `+db.tbl("user_memory")+` WHERE user_id = $1`, userID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select user memory: %w", err)
	}
	return s.String, nil
}

func (db *DB) UpsertUserMemory(ctx context.Context, userID int64, memory string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO `+db.tbl("user_memory")+` (user_id, memory_summary, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET memory_summary = excluded.memory_summary, updated_at = excluded.updated_at`,
		userID, memory, db.now())
	if err != nil {
		return fmt.Errorf("upsert user memory: %w", err)
	}
	return nil
}
