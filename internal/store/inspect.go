package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Column struct {
	Name string
	Type string
}

// Columns keeps table column order; it marshals to a JSON object of
// name → type in that order.
type Columns []Column

func (cs Columns) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, c := range cs {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(c.Type)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// TableSchema lists the target table's columns. The first successful result
// is cached for the life of the DB.
func (db *DB) TableSchema(ctx context.Context) (Columns, error) {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()
	if db.schemaCache != nil {
		return db.schemaCache, nil
	}

	var cols Columns
	var err error
	if db.dialect == SQLite {
		cols, err = db.sqliteColumns(ctx)
	} else {
		cols, err = db.postgresColumns(ctx)
	}
	if err != nil {
		db.log.Error("error fetching schema", "err", err)
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns or does not exist", db.schema, db.table)
	}

	db.schemaCache = cols
	db.log.Info("schema loaded", "columns", len(cols))
	return cols, nil
}

func (db *DB) postgresColumns(ctx context.Context) (Columns, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT column_name, data_type, character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, db.schema, db.table)
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}
	defer rows.Close()

	var cols Columns
	for rows.Next() {
		var (
			c      Column
			maxLen *int64
		)
		if err := rows.Scan(&c.Name, &c.Type, &maxLen); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if maxLen != nil && *maxLen > 0 {
			c.Type = fmt.Sprintf("%s(%d)", c.Type, *maxLen)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (db *DB) sqliteColumns(ctx context.Context) (Columns, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT name, type FROM pragma_table_info($1) ORDER BY cid`, db.table)
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}
	defer rows.Close()

	var cols Columns
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.Type = strings.ToLower(c.Type)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// SampleRows returns up to n rows of the target table as column → value
// maps. Failures are logged and yield an empty slice.
func (db *DB) SampleRows(ctx context.Context, n int) []map[string]any {
	res, err := db.query(ctx, db.conn, `SELECT * FROM `+db.Target()+` LIMIT `+fmt.Sprint(n))
	if err != nil {
		db.log.Error("error fetching sample rows", "err", err)
		return []map[string]any{}
	}
	return res.Maps()
}

// SchemaDescription renders the target table for a model prompt.
func (db *DB) SchemaDescription(ctx context.Context) (string, error) {
	cols, err := db.TableSchema(ctx)
	if err != nil {
		return "", err
	}
	samples := db.SampleRows(ctx, 3)

	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s.%s\n\nColumns:\n", db.schema, db.table)
	for _, c := range cols {
		fmt.Fprintf(&b, "  - %s (%s)\n", c.Name, c.Type)
	}
	if len(samples) > 0 {
		b.WriteString("\nSample data (first 3 rows):\n")
		for i, row := range samples {
			data, _ := json.Marshal(row)
			fmt.Fprintf(&b, "  Row %d: %s\n", i+1, data)
		}
	}
	return b.String(), nil
}
