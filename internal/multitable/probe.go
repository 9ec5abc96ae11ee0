package multitable

import (
	"context"
	"fmt"
	"io"

	"healthetl/internal/healthkit"
	"healthetl/internal/schema"
	"healthetl/internal/storage"
)

// ProbeSink discovers the schema a conversion would create without touching
// a store. Every row is planned and applied to its registry immediately.
type ProbeSink struct {
	reg  *schema.Registry
	rows map[string]int64
}

func NewProbeSink(reg *schema.Registry) *ProbeSink {
	return &ProbeSink{reg: reg, rows: make(map[string]int64)}
}

func (p *ProbeSink) Submit(_ context.Context, row healthkit.Row) error {
	cols := make([]schema.Column, len(row.Columns))
	for i, c := range row.Columns {
		cols[i] = schema.Column{Name: c.Name, Sample: c.Value, JSON: c.JSON}
	}
	plan, err := p.reg.Plan(row.Table, cols)
	if err != nil {
		return fmt.Errorf("probe %s: %w", row.Table, err)
	}
	p.reg.Apply(plan)
	p.rows[plan.Table]++
	return nil
}

func (p *ProbeSink) Flush(context.Context) error { return nil }

func (p *ProbeSink) Written() map[string]int64 {
	out := make(map[string]int64, len(p.rows))
	for k, v := range p.rows {
		out[k] = v
	}
	return out
}

// Tables returns the discovered schema, sorted by table name.
func (p *ProbeSink) Tables() []storage.TableSpec { return p.reg.Snapshot() }

// Probe runs the pipeline as a dry run against dialect d and returns the
// tables a conversion would create.
func (e *Engine) Probe(ctx context.Context, r io.Reader, routes healthkit.RouteOpener, d storage.Dialect, primaryKey string) (Summary, []storage.TableSpec, error) {
	sink := NewProbeSink(schema.New(d, primaryKey))
	sum, err := e.Run(ctx, r, routes, sink)
	return sum, sink.Tables(), err
}
