package ingest

import (
	"context"
	"log/slog"

	"github.com/p-n-ai/pai-ingest/internal/platform/retry"
	"github.com/p-n-ai/pai-ingest/internal/store"
)

// Writer buffers rows for one table and upserts them in batches of at most
// size rows. A Writer is owned by a single goroutine.
type Writer struct {
	store  store.Store
	table  store.Table
	size   int
	policy retry.Policy
	logger *slog.Logger

	buf     []store.Row
	written int
}

// NewWriter creates a Writer. Sizes below 1 are treated as 1.
func NewWriter(s store.Store, table store.Table, size int, policy retry.Policy, logger *slog.Logger) *Writer {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Writer{
		store:  s,
		table:  table,
		size:   size,
		policy: policy,
		logger: logger,
		buf:    make([]store.Row, 0, size),
	}
}

// Enqueue appends row to the buffer and flushes once the buffer is full.
func (w *Writer) Enqueue(ctx context.Context, row store.Row) error {
	w.buf = append(w.buf, row)
	if len(w.buf) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush upserts the buffered rows. The buffer is emptied whether or not the
// write succeeds; a failed batch is reported as a *WriteError.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	rows, err := w.dedupe(w.buf)
	w.buf = w.buf[:0]
	if err != nil {
		return &WriteError{Table: w.table.Name, Rows: len(rows), Err: err}
	}

	attempts, err := w.policy.Do(ctx, "upsert "+w.table.Name, func(ctx context.Context) error {
		return w.store.Upsert(ctx, w.table, rows)
	})
	if err != nil {
		w.logger.Error("batch upsert failed",
			"table", w.table.Name,
			"rows", len(rows),
			"attempts", attempts,
			"error", err,
		)
		return &WriteError{Table: w.table.Name, Rows: len(rows), Attempts: attempts, Err: err}
	}

	w.written += len(rows)
	w.logger.Debug("batch upserted", "table", w.table.Name, "rows", len(rows))
	return nil
}

// Pending returns the number of buffered rows.
func (w *Writer) Pending() int {
	return len(w.buf)
}

// Written returns the number of rows successfully upserted so far.
func (w *Writer) Written() int {
	return w.written
}

// dedupe keeps the last row for each conflict key, at the position of that
// key's first occurrence. One statement cannot update a row twice.
func (w *Writer) dedupe(rows []store.Row) ([]store.Row, error) {
	index := make(map[string]int, len(rows))
	out := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		k, err := w.table.KeyOf(r)
		if err != nil {
			return rows, err
		}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out, nil
}
