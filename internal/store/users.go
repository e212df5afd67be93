package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type User struct {
	ID            int64
	ExternalID    string
	DisplayName   string
	Email         string
	PasswordHash  string
	Role          string
	LastSessionID string
	CreatedAt     time.Time
}

// CreateUser inserts u and returns its id. A duplicate email or username
// yields ErrEmailTaken.
func (db *DB) CreateUser(ctx context.Context, u User) (int64, error) {
	if u.Role == "" {
		u.Role = "user"
	}
	var id int64
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO `+db.tbl("users")+` (external_id, display_name, email, password, role, last_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		u.ExternalID, u.DisplayName, u.Email, u.PasswordHash, u.Role, u.LastSessionID, db.now()).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrEmailTaken
	}
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (db *DB) UserByEmail(ctx context.Context, email string) (User, error) {
	var (
		u      User
		extID  sql.NullString
		lastID sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, external_id, display_name, email, password, role, last_session_id, created_at
		FROM `+db.tbl("users")+` WHERE email = $1 LIMIT 1`, email).
		Scan(&u.ID, &extID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Role, &lastID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("select user: %w", err)
	}
	u.ExternalID = extID.String
	u.LastSessionID = lastID.String
	return u, nil
}

// LastSessionID returns the stored session of a user, or "" when none was
// recorded yet.
func (db *DB) LastSessionID(ctx context.Context, userID int64) (string, error) {
	var sid sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_session_id FROM `+db.tbl("users")+` WHERE id = $1`, userID).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select last session: %w", err)
	}
	return sid.String, nil
}

func (db *DB) SetLastSessionID(ctx context.Context, userID int64, sessionID string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE `+db.tbl("users")+` SET last_session_id = $1 WHERE id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("update last session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRole changes the role of the user registered under email.
func (db *DB) SetRole(ctx context.Context, email, role string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE `+db.tbl("users")+` SET role = $1 WHERE email = $2`, role, email)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
