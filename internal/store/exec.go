package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"
)

// Result is a fully read query result with JSON-friendly values.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Maps returns the rows as column → value maps.
func (r Result) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, c := range r.Columns {
			m[c] = row[i]
		}
		out = append(out, m)
	}
	return out
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RunReadOnly executes a validated SELECT inside a transaction that is
// always rolled back. On PostgreSQL the transaction is READ ONLY; on SQLite
// the connection runs under PRAGMA query_only for the duration.
func (db *DB) RunReadOnly(ctx context.Context, query string) (Result, error) {
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if db.dialect == SQLite {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			return Result{}, fmt.Errorf("enable query_only: %w", err)
		}
		defer db.resetQueryOnly(ctx, conn)
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: db.dialect == Postgres})
	if err != nil {
		return Result{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback()

	return db.query(ctx, tx, query)
}

// resetQueryOnly makes conn writable again before it returns to the pool. A
// connection that cannot be reset is discarded.
func (db *DB) resetQueryOnly(ctx context.Context, conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = OFF"); err != nil {
		db.log.Error("failed to reset query_only, dropping connection", "err", err)
		conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

func (db *DB) query(ctx context.Context, q queryer, query string, args ...any) (Result, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}

	res := Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
