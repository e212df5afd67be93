package store

import (
	"context"
	"fmt"
	"strings"
)

var migrations = []struct {
	name string
	ddl  string
}{
	{"users", `
CREATE TABLE IF NOT EXISTS {p}users (
    id {id},
    external_id VARCHAR(255) UNIQUE,
    display_name VARCHAR(255) NOT NULL,
    email VARCHAR(255) UNIQUE NOT NULL,
    password VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL DEFAULT 'user',
    last_session_id VARCHAR(255),
    created_at {ts} DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_email ON {p}users(email)`},

	{"chat_history", `
CREATE TABLE IF NOT EXISTS {p}chat_history (
    id {id},
    session_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    meta_data {json},
    created_at {ts} DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON {p}chat_history(session_id);
CREATE INDEX IF NOT EXISTS idx_chat_history_created ON {p}chat_history(created_at DESC)`},

	{"query_logs", `
CREATE TABLE IF NOT EXISTS {p}query_logs (
    id {id},
    session_id VARCHAR(255),
    user_query TEXT NOT NULL,
    generated_sql TEXT,
    validation_status VARCHAR(50),
    execution_status VARCHAR(50),
    error_message TEXT,
    row_count INTEGER,
    execution_time_ms INTEGER,
    created_at {ts} DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_query_logs_session ON {p}query_logs(session_id);
CREATE INDEX IF NOT EXISTS idx_query_logs_created ON {p}query_logs(created_at DESC)`},

	{"user_memory", `
CREATE TABLE IF NOT EXISTS {p}user_memory (
    id {id},
    user_id INTEGER UNIQUE REFERENCES {p}users(id) ON DELETE CASCADE,
    memory_summary TEXT,
    updated_at {ts} DEFAULT CURRENT_TIMESTAMP
)`},

	{"session_summaries", `
CREATE TABLE IF NOT EXISTS {p}session_summaries (
    id {id},
    session_id VARCHAR(255) NOT NULL,
    user_id INTEGER REFERENCES {p}users(id) ON DELETE CASCADE,
    summary TEXT,
    updated_at {ts} DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (session_id, user_id)
)`},
}

func (db *DB) ddlReplacer() *strings.Replacer {
	if db.dialect == SQLite {
		return strings.NewReplacer(
			"{p}", "",
			"{id}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{ts}", "TIMESTAMP",
			"{json}", "TEXT",
		)
	}
	return strings.NewReplacer(
		"{p}", db.schema+".",
		"{id}", "SERIAL PRIMARY KEY",
		"{ts}", "TIMESTAMP WITH TIME ZONE",
		"{json}", "JSONB",
	)
}

// Migrate creates the service tables if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if db.dialect == Postgres {
		if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+db.schema); err != nil {
			return fmt.Errorf("create schema %s: %w", db.schema, err)
		}
	}

	r := db.ddlReplacer()
	for _, m := range migrations {
		for _, stmt := range strings.Split(r.Replace(m.ddl), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", m.name, err)
			}
		}
		db.log.Debug("table ready", "table", m.name)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	db.log.Info("database initialized", "dialect", db.dialect)
	return nil
}
