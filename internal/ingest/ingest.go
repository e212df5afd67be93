// Package ingest loads spreadsheet exports into the table the agent queries.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"sqlagent/internal/logging"
)

const DefaultBatchSize = 500

// Target is where rows are written. *store.DB implements it.
type Target interface {
	EnsureTarget(ctx context.Context, columns []string) error
	InsertTarget(ctx context.Context, columns []string, rows [][]string) (int64, error)
}

type Options struct {
	Mapping   Mapping
	BatchSize int
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
}

type Report struct {
	Columns []string
	Rows    int64
	Elapsed time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("%s rows inserted into %d columns in %s",
		humanize.Comma(r.Rows), len(r.Columns), r.Elapsed.Round(time.Millisecond))
}

// File loads the CSV at path into t.
func File(ctx context.Context, t Target, path string, opts Options) (Report, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".csv" {
		return Report{}, fmt.Errorf("unsupported file format: %q", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Report{}, err
	}

	var r io.Reader = f
	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions64(
			info.Size(),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("loading "+filepath.Base(path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
		)
		r = io.TeeReader(f, bar)
	}

	rep, err := Load(ctx, t, r, opts)
	if bar != nil {
		_ = bar.Finish()
	}
	return rep, err
}

// Load reads CSV records from r, keeps the mapped columns and inserts them
// in batches. A failed batch stops the load; earlier batches stay committed.
func Load(ctx context.Context, t Target, r io.Reader, opts Options) (Report, error) {
	log := logging.For("ingest")
	start := time.Now()

	mapping := opts.Mapping
	if len(mapping) == 0 {
		mapping = RetailMapping
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	headers, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Report{}, errors.New("file is empty")
	}
	if err != nil {
		return Report{}, fmt.Errorf("failed to read header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}

	columns, index := mapping.Resolve(headers)
	if len(columns) == 0 {
		return Report{}, fmt.Errorf("no column of %v matches the mapping", headers)
	}
	log.Info("columns mapped", "columns", columns)

	if err := t.EnsureTarget(ctx, columns); err != nil {
		return Report{}, err
	}

	rep := Report{Columns: columns}
	batch := make([][]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := t.InsertTarget(ctx, columns, batch)
		if err != nil {
			return fmt.Errorf("batch ending at row %d: %w", rep.Rows+int64(len(batch)), err)
		}
		rep.Rows += n
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rep, fmt.Errorf("failed to read file: %w", err)
		}

		row := make([]string, len(index))
		for i, src := range index {
			if src < len(rec) {
				row[i] = strings.TrimSpace(rec[src])
			}
		}
		batch = append(batch, row)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return rep, err
			}
		}
	}
	if err := flush(); err != nil {
		return rep, err
	}

	rep.Elapsed = time.Since(start)
	log.Info("upload complete", "rows", humanize.Comma(rep.Rows), "elapsed", rep.Elapsed)
	return rep, nil
}
