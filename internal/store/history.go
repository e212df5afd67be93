package store

import (
	"context"
	"fmt"
	"slices"
	"time"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (db *DB) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO `+db.tbl("chat_history")+` (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		sessionID, role, content, db.now())
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// FullHistory returns every message of a session, oldest first.
func (db *DB) FullHistory(ctx context.Context, sessionID string) ([]Message, error) {
	return db.queryMessages(ctx,
		`SELECT role, content, created_at FROM `+db.tbl("chat_history")+`
		WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
}

// RecentHistory returns the newest limit messages of a session, oldest first.
func (db *DB) RecentHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	msgs, err := db.queryMessages(ctx,
		`SELECT role, content, created_at FROM `+db.tbl("chat_history")+`
		WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (db *DB) ClearHistory(ctx context.Context, sessionID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM `+db.tbl("chat_history")+` WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete chat history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select chat history: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
