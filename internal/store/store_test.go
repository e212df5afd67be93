package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() {
		mock.ExpectClose()
		if err := conn.Close(); err != nil {
			t.Fatalf("failed to close db: %s", err)
		}
	})
	db := New(conn, Postgres, "public", "dev_diamond2")
	db.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return db, mock
}

// openSQLite returns a migrated SQLite store with a small target table.
func openSQLite(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, "sqlite3://"+filepath.Join(t.TempDir(), "agent.db"), "public", "sales")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))

	_, err = db.Conn().ExecContext(ctx, `CREATE TABLE sales (id INTEGER PRIMARY KEY, customer VARCHAR(40), amount REAL)`)
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(ctx, `INSERT INTO sales (customer, amount) VALUES ('acme', 10.5), ('globex', 20), ('initech', 7)`)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	db.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return db
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url     string
		dialect Dialect
		driver  string
		dsn     string
	}{
		{"postgres://u:p@h:5432/db", Postgres, "pgx", "postgres://u:p@h:5432/db"},
		{"postgresql+asyncpg://u:p@h/db", Postgres, "pgx", "postgres://u:p@h/db"},
		{"sqlite3:///var/lib/agent.db", SQLite, "sqlite3", "/var/lib/agent.db"},
		{"sqlite://agent.db", SQLite, "sqlite3", "agent.db"},
		{"file:agent.db?cache=shared", SQLite, "sqlite3", "file:agent.db?cache=shared"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d, driver, dsn, err := parseURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, d)
			assert.Equal(t, tt.driver, driver)
			assert.Equal(t, tt.dsn, dsn)
		})
	}

	for _, bad := range []string{"mysql://x", "nonsense", "sqlite3://"} {
		_, _, _, err := parseURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreateUserPostgres(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO public.users (external_id, display_name, email, password, role, last_session_id, created_at)`)).
		WithArgs("ann", "ann", "ann@example.com", "hash", "user", "sid-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := db.CreateUser(context.Background(), User{
		ExternalID: "ann", DisplayName: "ann", Email: "ann@example.com",
		PasswordHash: "hash", LastSessionID: "sid-1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDuplicatePostgres(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO public.users`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	_, err := db.CreateUser(context.Background(), User{Email: "ann@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserByEmailNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM public.users WHERE email = $1 LIMIT 1`)).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := db.UserByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSessionSummaryPostgres(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (session_id, user_id)`)).
		WithArgs("s1", int64(3), "summary", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, db.UpsertSessionSummary(context.Background(), "s1", 3, "summary"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogQueryNullsPostgres(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO public.query_logs`)).
		WithArgs(
			"s1", "how many?", "SELECT 1",
			ValidationInvalid, ExecutionFailed, "Only SELECT queries are allowed",
			nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := db.LogQuery(context.Background(), QueryLog{
		SessionID: "s1", UserQuery: "how many?", GeneratedSQL: "SELECT 1",
		ValidationStatus: ValidationInvalid, ExecutionStatus: ExecutionFailed,
		ErrorMessage: "Only SELECT queries are allowed",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSchemaPostgresIsCached(t *testing.T) {
	db, mock := newMockDB(t)

	var maxLen any = int64(255)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM information_schema.columns`)).
		WithArgs("public", "dev_diamond2").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "character_maximum_length"}).
			AddRow("item_no", "character varying", maxLen).
			AddRow("secondary_sales_value", "numeric", nil))

	ctx := context.Background()
	cols, err := db.TableSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, Columns{
		{Name: "item_no", Type: "character varying(255)"},
		{Name: "secondary_sales_value", Type: "numeric"},
	}, cols)

	again, err := db.TableSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, cols, again)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestColumnsMarshalKeepsOrder(t *testing.T) {
	data, err := json.Marshal(Columns{{"zeta", "text"}, {"alpha", "integer"}})
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"text","alpha":"integer"}`, string(data))
}

func TestSQLiteUsers(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	id, err := db.CreateUser(ctx, User{ExternalID: "ann", DisplayName: "Ann", Email: "ann@example.com", PasswordHash: "h", LastSessionID: "s0"})
	require.NoError(t, err)

	_, err = db.CreateUser(ctx, User{ExternalID: "ann2", DisplayName: "Ann", Email: "ann@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	u, err := db.UserByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "user", u.Role)
	assert.Equal(t, "s0", u.LastSessionID)

	require.NoError(t, db.SetLastSessionID(ctx, id, "s1"))
	sid, err := db.LastSessionID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)

	assert.ErrorIs(t, db.SetLastSessionID(ctx, 999, "x"), ErrNotFound)

	require.NoError(t, db.SetRole(ctx, "ann@example.com", "admin"))
	u, err = db.UserByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)
	assert.ErrorIs(t, db.SetRole(ctx, "nobody@example.com", "admin"), ErrNotFound)
}

func TestSQLiteHistory(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, db.AppendMessage(ctx, "s1", role, content))
	}
	require.NoError(t, db.AppendMessage(ctx, "other", "user", "x"))

	full, err := db.FullHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, full, 4)
	assert.Equal(t, "q1", full[0].Content)
	assert.Equal(t, "a2", full[3].Content)

	recent, err := db.RecentHistory(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q2", recent[0].Content)
	assert.Equal(t, "a2", recent[1].Content)

	n, err := db.ClearHistory(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	full, err = db.FullHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, full)
}

func TestSQLiteMemory(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	uid, err := db.CreateUser(ctx, User{ExternalID: "bob", DisplayName: "Bob", Email: "bob@example.com", PasswordHash: "h"})
	require.NoError(t, err)

	s, err := db.SessionSummary(ctx, "s1", uid)
	require.NoError(t, err)
	assert.Empty(t, s)

	require.NoError(t, db.UpsertSessionSummary(ctx, "s1", uid, "first"))
	require.NoError(t, db.UpsertSessionSummary(ctx, "s1", uid, "second"))
	s, err = db.SessionSummary(ctx, "s1", uid)
	require.NoError(t, err)
	assert.Equal(t, "second", s)

	require.NoError(t, db.UpsertUserMemory(ctx, uid, "likes sales"))
	m, err := db.UserMemory(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "likes sales", m)
}

func TestSQLiteQueryLogs(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	rows, elapsed := 3, int64(12)
	require.NoError(t, db.LogQuery(ctx, QueryLog{SessionID: "s1", UserQuery: "first", ValidationStatus: ValidationInvalid, ExecutionStatus: ExecutionFailed, ErrorMessage: "nope"}))
	require.NoError(t, db.LogQuery(ctx, QueryLog{SessionID: "s1", UserQuery: "second", GeneratedSQL: "SELECT 1", ValidationStatus: ValidationValid, ExecutionStatus: ExecutionSuccess, RowCount: &rows, ExecutionTimeMS: &elapsed}))

	logs, err := db.RecentQueryLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "second", logs[0].UserQuery)
	require.NotNil(t, logs[0].RowCount)
	assert.Equal(t, 3, *logs[0].RowCount)
	assert.Nil(t, logs[1].RowCount)
	assert.Equal(t, "nope", logs[1].ErrorMessage)
}

func TestSQLiteInspectAndRun(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	cols, err := db.TableSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, Columns{{"id", "integer"}, {"customer", "varchar(40)"}, {"amount", "real"}}, cols)

	desc, err := db.SchemaDescription(ctx)
	require.NoError(t, err)
	assert.Contains(t, desc, "Table: public.sales")
	assert.Contains(t, desc, "  - customer (varchar(40))")
	assert.Contains(t, desc, "Row 3:")

	res, err := db.RunReadOnly(ctx, `SELECT customer, amount FROM sales ORDER BY amount DESC LIMIT 2;`)
	require.NoError(t, err)
	assert.Equal(t, []string{"customer", "amount"}, res.Columns)
	assert.Equal(t, [][]any{{"globex", 20.0}, {"acme", 10.5}}, res.Rows)
	assert.Equal(t, "globex", res.Maps()[0]["customer"])

	_, err = db.RunReadOnly(ctx, `SELECT nope FROM sales`)
	assert.Error(t, err)
}

func TestSQLiteRunReadOnlyRefusesWrites(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	_, err := db.RunReadOnly(ctx, `DELETE FROM sales`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly")

	res, err := db.RunReadOnly(ctx, `SELECT count(*) FROM sales`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3)}}, res.Rows)

	// the pooled connection is writable again afterwards
	require.NoError(t, db.AppendMessage(ctx, "s1", "user", "hello"))
}

func TestSQLiteMissingTargetTable(t *testing.T) {
	db := openSQLite(t)
	db.table = "missing"

	_, err := db.TableSchema(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, db.SampleRows(context.Background(), 3))
}

func TestInsertTargetSplitsOnParamLimit(t *testing.T) {
	db, mock := newMockDB(t)
	db.maxParams = 5

	rows := [][]string{{"a", "1"}, {"b", "2"}, {"c", ""}}
	any2 := []driver.Value{sqlmock.AnyArg(), sqlmock.AnyArg()}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO .* VALUES \(\$1, \$2\), \(\$3, \$4\)$`).
		WithArgs(append(any2, any2...)...).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO .* VALUES \(\$1, \$2\)$`).
		WithArgs(any2...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := db.InsertTarget(context.Background(), []string{"name", "qty"}, rows)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteInsertTargetLargeBatch(t *testing.T) {
	db := openSQLite(t)
	db.table = "staging"
	ctx := context.Background()

	columns := []string{"a", "b", "c"}
	require.NoError(t, db.EnsureTarget(ctx, columns))

	// 33000 values, above SQLite's per-statement limit
	rows := make([][]string, 11000)
	for i := range rows {
		rows[i] = []string{"x", "y", ""}
	}
	n, err := db.InsertTarget(ctx, columns, rows)
	require.NoError(t, err)
	assert.EqualValues(t, len(rows), n)

	var nulls int
	require.NoError(t, db.Conn().QueryRowContext(ctx, `SELECT count(*) FROM staging WHERE c IS NULL`).Scan(&nulls))
	assert.Equal(t, len(rows), nulls)

	_, err = db.InsertTarget(ctx, columns, [][]string{{"only one"}})
	assert.ErrorContains(t, err, "row 0 has 1 values, want 3")
}
