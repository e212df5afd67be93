package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
	ValidationError   = "error"

	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

// QueryLog is one audit record of a processed question.
type QueryLog struct {
	SessionID        string    `json:"session_id,omitempty"`
	UserQuery        string    `json:"user_query"`
	GeneratedSQL     string    `json:"generated_sql,omitempty"`
	ValidationStatus string    `json:"validation_status,omitempty"`
	ExecutionStatus  string    `json:"execution_status,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RowCount         *int      `json:"row_count,omitempty"`
	ExecutionTimeMS  *int64    `json:"execution_time_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *DB) LogQuery(ctx context.Context, l QueryLog) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO `+db.tbl("query_logs")+`
		(session_id, user_query, generated_sql, validation_status, execution_status, error_message, row_count, execution_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		nullString(l.SessionID), l.UserQuery, nullString(l.GeneratedSQL),
		nullString(l.ValidationStatus), nullString(l.ExecutionStatus), nullString(l.ErrorMessage),
		l.RowCount, l.ExecutionTimeMS, db.now())
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// RecentQueryLogs returns the newest audit records first.
func (db *DB) RecentQueryLogs(ctx context.Context, limit int) ([]QueryLog, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT session_id, user_query, generated_sql, validation_status, execution_status,
		error_message, row_count, execution_time_ms, created_at
		FROM `+db.tbl("query_logs")+` ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select query logs: %w", err)
	}
	defer rows.Close()

	logs := []QueryLog{}
	for rows.Next() {
		var (
			l                         QueryLog
			sid, gsql, vst, est, emsg sql.NullString
			rowCount, elapsed         sql.NullInt64
		)
		if err := rows.Scan(&sid, &l.UserQuery, &gsql, &vst, &est, &emsg, &rowCount, &elapsed, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query log: %w", err)
		}
		l.SessionID, l.GeneratedSQL = sid.String, gsql.String
		l.ValidationStatus, l.ExecutionStatus, l.ErrorMessage = vst.String, est.String, emsg.String
		if rowCount.Valid {
			n := int(rowCount.Int64)
			l.RowCount = &n
		}
		if elapsed.Valid {
			l.ExecutionTimeMS = &elapsed.Int64
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
