package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlagent/internal/store"
)

func TestCleanHeader(t *testing.T) {
	tests := map[string]string{
		"  Retail Range ":      "Retail Range",
		"Open Memo\nQty":       "Open Memo Qty",
		"Secondary Sales ($)":  "Secondary Sales ",
		"item_no":              "item_no",
		"Diamond-CTW/Fraction": "DiamondCTWFraction",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanHeader(in), "CleanHeader(%q)", in)
	}
}

func TestResolve(t *testing.T) {
	m := Mapping{{"Image", "image_url"}, {"Group", "group_name"}, {"Customer", "customer_name"}}

	cols, idx := m.Resolve([]string{"customer", "Unused", "IMAGE", "group", "Image"})
	assert.Equal(t, []string{"image_url", "group_name", "customer_name"}, cols)
	assert.Equal(t, []int{2, 3, 0}, idx)

	cols, idx = m.Resolve([]string{"nothing", "here"})
	assert.Empty(t, cols)
	assert.Empty(t, idx)
}

func TestLoadMapping(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Zeta: z_col\nAlpha: a_col\n"), 0o644))
	m, err := LoadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, Mapping{{"Zeta", "z_col"}, {"Alpha", "a_col"}}, m)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- a\n- b\n"), 0o644))
	_, err = LoadMapping(bad)
	assert.Error(t, err)

	nested := filepath.Join(dir, "nested.yaml")
	require.NoError(t, os.WriteFile(nested, []byte("Image:\n  to: image_url\n"), 0o644))
	_, err = LoadMapping(nested)
	assert.Error(t, err)
}

func openStore(t *testing.T, table string) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), "sqlite3://"+filepath.Join(t.TempDir(), "ingest.db"), "public", table)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const sampleCSV = "\ufeffitem_no,Image,Customer,Notes,\"Secondary Sales\nQTY\"\n" +
	"A1,http://img/1,Walmart,ignored,3\n" +
	"A2,,Target,ignored,\n" +
	"A3,http://img/3,Kohls,ignored,7\n"

func TestLoadIntoSQLite(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, "dev_diamond2")

	rep, err := Load(ctx, db, strings.NewReader(sampleCSV), Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.Rows)
	assert.Equal(t, []string{"item_no", "image_url", "customer_name", "secondary_sales_qty"}, rep.Columns)
	assert.Contains(t, rep.String(), "3 rows inserted into 4 columns")

	cols, err := db.TableSchema(ctx)
	require.NoError(t, err)
	var names []string
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"id", "item_no", "image_url", "customer_name", "secondary_sales_qty"}, names)

	res, err := db.RunReadOnly(ctx, `SELECT item_no, image_url, customer_name, secondary_sales_qty FROM dev_diamond2 ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{
		{"A1", "http://img/1", "Walmart", "3"},
		{"A2", nil, "Target", nil},
		{"A3", "http://img/3", "Kohls", "7"},
	}, res.Rows)

	// A second load appends to the existing table.
	rep, err = Load(ctx, db, strings.NewReader(sampleCSV), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.Rows)
	res, err = db.RunReadOnly(ctx, `SELECT COUNT(*) FROM dev_diamond2`)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Rows[0][0])
}

func TestLoadCustomMapping(t *testing.T) {
	db := openStore(t, "people")
	csv := "Full Name,Age\nAda,36\nGrace,45\n"

	rep, err := Load(context.Background(), db, strings.NewReader(csv), Options{
		Mapping: Mapping{{"age", "age"}, {"full name", "name"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "name"}, rep.Columns)

	res, err := db.RunReadOnly(context.Background(), `SELECT name, age FROM people ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"Ada", "36"}, {"Grace", "45"}}, res.Rows)
}

func TestLoadRejects(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, "t")

	_, err := Load(ctx, db, strings.NewReader(""), Options{})
	assert.EqualError(t, err, "file is empty")

	_, err = Load(ctx, db, strings.NewReader("foo,bar\n1,2\n"), Options{})
	assert.ErrorContains(t, err, "matches the mapping")
}

type failingTarget struct {
	inserted int
}

func (f *failingTarget) EnsureTarget(context.Context, []string) error { return nil }

func (f *failingTarget) InsertTarget(_ context.Context, _ []string, rows [][]string) (int64, error) {
	if f.inserted > 0 {
		return 0, errors.New("disk full")
	}
	f.inserted += len(rows)
	return int64(len(rows)), nil
}

func TestLoadStopsOnFailedBatch(t *testing.T) {
	tgt := &failingTarget{}
	rep, err := Load(context.Background(), tgt, strings.NewReader(sampleCSV), Options{BatchSize: 2})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(2), rep.Rows)
}

func TestFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := openStore(t, "dev_diamond2")

	_, err := File(ctx, db, filepath.Join(dir, "dump.xlsx"), Options{})
	assert.ErrorContains(t, err, "unsupported file format")

	path := filepath.Join(dir, "dump.CSV")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	var progress bytes.Buffer
	rep, err := File(ctx, db, path, Options{Progress: &progress})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.Rows)
	assert.Contains(t, progress.String(), "loading dump.CSV")
}
