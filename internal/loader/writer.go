// Package loader buffers finished rows per table and commits them in
// batches, evolving the destination schema as new columns appear.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"healthetl/internal/healthkit"
	"healthetl/internal/metrics"
	"healthetl/internal/schema"
	"healthetl/internal/storage"
)

const defaultBatchSize = 1000

// FlushInfo describes one committed batch.
type FlushInfo struct {
	Table    string
	Rows     int
	Total    int64 // rows committed for Table so far
	Duration time.Duration
}

// Options tunes a Writer.
type Options struct {
	// BatchSize is the per-table row count that triggers a flush. Defaults
	// to 1000.
	BatchSize int

	// OnFlush is called after every committed batch.
	OnFlush func(FlushInfo)

	Logger *slog.Logger
	Tracer trace.Tracer
}

type tableBuffer struct {
	name string
	rows []healthkit.Row
}

// Writer is the row batching writer. It owns the schema registry for the
// run and is not safe for concurrent use.
type Writer struct {
	store     storage.Store
	reg       *schema.Registry
	batchSize int
	onFlush   func(FlushInfo)
	log       *slog.Logger
	tracer    trace.Tracer

	pending map[string]*tableBuffer // folded table name
	order   []string                // folded names, first-seen

	written map[string]int64 // stored table name -> committed rows
	batches int
}

// New returns a Writer that commits into store and tracks schema in reg.
func New(store storage.Store, reg *schema.Registry, opts Options) *Writer {
	size := opts.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("healthetl/loader")
	}
	return &Writer{
		store:     store,
		reg:       reg,
		batchSize: size,
		onFlush:   opts.OnFlush,
		log:       log,
		tracer:    tracer,
		pending:   make(map[string]*tableBuffer),
		written:   make(map[string]int64),
	}
}

// Submit buffers row and commits its table's batch once it is full.
func (w *Writer) Submit(ctx context.Context, row healthkit.Row) error {
	key := w.reg.Fold(row.Table)
	buf := w.pending[key]
	if buf == nil {
		buf = &tableBuffer{name: row.Table, rows: make([]healthkit.Row, 0, min(w.batchSize, 64))}
		w.pending[key] = buf
		w.order = append(w.order, key)
	}
	buf.rows = append(buf.rows, row)
	if len(buf.rows) >= w.batchSize {
		return w.flushTable(ctx, buf)
	}
	return nil
}

// Flush commits every pending batch, in the order tables were first seen.
func (w *Writer) Flush(ctx context.Context) error {
	for _, key := range w.order {
		if err := w.flushTable(ctx, w.pending[key]); err != nil {
			return err
		}
	}
	return nil
}

// Written returns committed row counts keyed by stored table name.
func (w *Writer) Written() map[string]int64 {
	out := make(map[string]int64, len(w.written))
	for k, v := range w.written {
		out[k] = v
	}
	return out
}

// Batches returns the number of committed batches.
func (w *Writer) Batches() int { return w.batches }

func (w *Writer) flushTable(ctx context.Context, buf *tableBuffer) (err error) {
	if len(buf.rows) == 0 {
		return nil
	}
	start := time.Now()
	rows := len(buf.rows)

	ctx, span := w.tracer.Start(ctx, "healthetl.flush", trace.WithAttributes(
		attribute.String("table", buf.name),
		attribute.Int("rows", rows),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordStep("flush", err, time.Since(start))
	}()

	plan, err := w.reg.Plan(buf.name, batchColumns(buf.rows))
	if err != nil {
		return fmt.Errorf("flush %s: %w", buf.name, err)
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flush %s: begin: %w", buf.name, err)
	}
	if err := w.writeBatch(ctx, tx, plan, buf.rows); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			w.log.Warn("rollback failed", "table", plan.Table, "err", rbErr)
		}
		return fmt.Errorf("flush %s: %w", plan.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush %s: commit: %w", plan.Table, err)
	}
	w.reg.Apply(plan)

	clear(buf.rows)
	buf.rows = buf.rows[:0]
	w.written[plan.Table] += int64(rows)
	w.batches++

	metrics.RecordRows(plan.Table, rows)
	metrics.RecordBatch()

	info := FlushInfo{Table: plan.Table, Rows: rows, Total: w.written[plan.Table], Duration: time.Since(start)}
	w.log.Debug("stage=flush ok", "table", info.Table, "rows", info.Rows, "duration", info.Duration.Truncate(time.Millisecond))
	if w.onFlush != nil {
		w.onFlush(info)
	}
	return nil
}

func (w *Writer) writeBatch(ctx context.Context, tx storage.Tx, plan schema.Plan, rows []healthkit.Row) error {
	if err := plan.Exec(ctx, tx); err != nil {
		return err
	}
	for _, g := range groupRows(plan, rows) {
		if _, err := tx.InsertRows(ctx, plan.Table, g.columns, g.values); err != nil {
			return err
		}
	}
	return nil
}

// batchColumns is the union of column names in rows, in first-seen order,
// each sampled by its first value.
func batchColumns(rows []healthkit.Row) []schema.Column {
	seen := make(map[string]struct{})
	var cols []schema.Column
	for _, r := range rows {
		for _, c := range r.Columns {
			if _, ok := seen[c.Name]; ok {
				continue
			}
			seen[c.Name] = struct{}{}
			cols = append(cols, schema.Column{Name: c.Name, Sample: c.Value, JSON: c.JSON})
		}
	}
	return cols
}

type insertGroup struct {
	columns []string
	values  [][]any
}

// groupRows resolves each row against plan and groups consecutive rows that
// write the same column list, so inserts keep document order. Names that fold
// together within one row keep the last value.
func groupRows(plan schema.Plan, rows []healthkit.Row) []insertGroup {
	var (
		groups []insertGroup
		sig    string
	)
	for _, r := range rows {
		var (
			cols []string
			vals []any
			pos  = make(map[string]int, len(r.Columns))
		)
		for _, c := range r.Columns {
			spec, ok := plan.Column(c.Name)
			if !ok {
				continue
			}
			v := storage.BindValue(c.Value, spec.Type)
			if i, dup := pos[spec.Name]; dup {
				vals[i] = v
				continue
			}
			pos[spec.Name] = len(cols)
			cols = append(cols, spec.Name)
			vals = append(vals, v)
		}

		s := strings.Join(cols, "\x00")
		if len(groups) == 0 || s != sig {
			groups = append(groups, insertGroup{columns: cols})
			sig = s
		}
		g := &groups[len(groups)-1]
		g.values = append(g.values, vals)
	}
	return groups
}
