package store

import (
	"context"
	"fmt"
	"strings"
)

// EnsureTarget creates the target table with an id key and one TEXT column
// per name, and on PostgreSQL its schema. An existing table is left as is.
func (db *DB) EnsureTarget(ctx context.Context, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("no columns to create %s with", db.table)
	}
	if db.dialect == Postgres {
		if _, err := db.conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(db.schema)); err != nil {
			return fmt.Errorf("create schema %s: %w", db.schema, err)
		}
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c) + " TEXT"
	}
	ddl := db.ddlReplacer().Replace(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    id {id},\n    %s\n)",
		db.Target(), strings.Join(defs, ",\n    ")))
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", db.table, err)
	}

	db.schemaMu.Lock()
	db.schemaCache = nil
	db.schemaMu.Unlock()
	return nil
}

// Bind parameter limits per statement: SQLite's SQLITE_MAX_VARIABLE_NUMBER
// default and PostgreSQL's 16-bit wire count.
const (
	sqliteMaxParams   = 32766
	postgresMaxParams = 65535
)

func (db *DB) paramLimit() int {
	switch {
	case db.maxParams > 0:
		return db.maxParams
	case db.dialect == SQLite:
		return sqliteMaxParams
	default:
		return postgresMaxParams
	}
}

// InsertTarget appends rows to the target table in one transaction. Every
// row must have len(columns) values; empty strings are stored as NULL. Rows
// are split over as many INSERT statements as the bind parameter limit
// requires.
func (db *DB) InsertTarget(ctx context.Context, columns []string, rows [][]string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", db.Target(), strings.Join(quoted, ", "))
	perStmt := max(1, db.paramLimit()/len(columns))

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for start := 0; start < len(rows); start += perStmt {
		query, args := insertValues(head, rows[start:min(start+perStmt, len(rows))])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", db.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return total, nil
}

func insertValues(head string, rows [][]string) (string, []any) {
	var b strings.Builder
	b.WriteString(head)
	args := make([]any, 0, len(rows)*len(rows[0]))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, nullString(v))
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}
	return b.String(), args
}
