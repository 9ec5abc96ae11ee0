// Package schema tracks the tables and columns created during a run and
// decides, for every batch of rows, which DDL must run before the rows can be
// written.
//
// The catalog is monotonic: tables and columns are only ever added, and a
// column's type is fixed by the first value observed for it. Names are
// compared case-insensitively; the first spelling seen becomes the stored
// identifier.
//
// A Registry is owned by a single writer goroutine and is not safe for
// concurrent use.
package schema

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"healthetl/internal/storage"
)

// Column is one named value of a row as offered to Plan.
type Column struct {
	Name string

	// Sample is the raw value used to infer the type of a new column.
	Sample string

	// JSON marks derived columns holding a serialized JSON document.
	JSON bool
}

// SchemaError reports a name or type the destination cannot accept. It is
// fatal for the batch that triggered it.
type SchemaError struct {
	Table  string
	Column string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema: table %q: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("schema: table %q column %q: %s", e.Table, e.Column, e.Reason)
}

// ErrSchema matches any *SchemaError with errors.Is.
var ErrSchema = errors.New("schema error")

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

type table struct {
	name    string
	columns []storage.ColumnSpec
	index   map[string]int // folded name -> position in columns
}

// Registry is the per-run schema catalog.
type Registry struct {
	dialect    storage.Dialect
	primaryKey string
	fold       cases.Caser
	tables     map[string]*table // folded name -> table
}

// New returns an empty registry for a destination with dialect d. Every table
// it creates carries an auto-increment primary key named primaryKey; an empty
// primaryKey defaults to "id".
func New(d storage.Dialect, primaryKey string) *Registry {
	if strings.TrimSpace(primaryKey) == "" {
		primaryKey = "id"
	}
	return &Registry{
		dialect:    d,
		primaryKey: primaryKey,
		fold:       cases.Fold(),
		tables:     make(map[string]*table),
	}
}

// Fold returns the case-folded key used to compare identifiers.
func (r *Registry) Fold(name string) string { return r.fold.String(name) }

// PrimaryKey returns the name of the implicit primary key column.
func (r *Registry) PrimaryKey() string { return r.primaryKey }

// Plan computes the DDL needed so that every column in cols exists on table.
// The registry itself is not modified; call Apply once the plan's DDL has
// been committed.
//
// Columns whose folded names repeat within cols collapse onto the first
// occurrence.
func (r *Registry) Plan(tableName string, cols []Column) (Plan, error) {
	key := r.Fold(tableName)
	existing := r.tables[key]

	p := Plan{Table: tableName, fold: r.Fold, columns: make(map[string]storage.ColumnSpec)}
	if existing == nil {
		if err := r.checkIdentifier(tableName, ""); err != nil {
			return Plan{}, err
		}
		p.Create = true
		p.PrimaryKey = &storage.PrimaryKeySpec{Name: r.primaryKey}
	} else {
		p.Table = existing.name
		for _, c := range existing.columns {
			p.columns[r.Fold(c.Name)] = c
		}
	}

	pkKey := r.Fold(r.primaryKey)
	for _, c := range cols {
		ck := r.Fold(c.Name)
		if _, ok := p.columns[ck]; ok {
			continue
		}
		if ck == pkKey {
			return Plan{}, &SchemaError{Table: p.Table, Column: c.Name, Reason: "collides with the primary key column"}
		}
		if err := r.checkIdentifier(p.Table, c.Name); err != nil {
			return Plan{}, err
		}

		spec := storage.ColumnSpec{Name: c.Name, Type: r.columnType(c)}
		p.Add = append(p.Add, spec)
		p.columns[ck] = spec
	}
	return p, nil
}

// Apply records a committed plan in the catalog.
func (r *Registry) Apply(p Plan) {
	key := r.Fold(p.Table)
	t := r.tables[key]
	if t == nil {
		t = &table{name: p.Table, index: make(map[string]int)}
		r.tables[key] = t
	}
	for _, c := range p.Add {
		ck := r.Fold(c.Name)
		if _, ok := t.index[ck]; ok {
			continue
		}
		t.index[ck] = len(t.columns)
		t.columns = append(t.columns, c)
	}
}

// Table returns the stored spec for name, if the table exists.
func (r *Registry) Table(name string) (storage.TableSpec, bool) {
	t := r.tables[r.Fold(name)]
	if t == nil {
		return storage.TableSpec{}, false
	}
	return r.spec(t), true
}

// Snapshot returns every table in the catalog, sorted by name.
func (r *Registry) Snapshot() []storage.TableSpec {
	out := make([]storage.TableSpec, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, r.spec(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) spec(t *table) storage.TableSpec {
	return storage.TableSpec{
		Name:       t.name,
		PrimaryKey: &storage.PrimaryKeySpec{Name: r.primaryKey},
		Columns:    append([]storage.ColumnSpec(nil), t.columns...),
	}
}

func (r *Registry) checkIdentifier(tableName, column string) error {
	name := tableName
	if column != "" {
		name = column
	}
	if strings.TrimSpace(name) == "" {
		return &SchemaError{Table: tableName, Column: column, Reason: "empty identifier"}
	}
	if limit := r.dialect.MaxIdentifierLength; limit > 0 && len(name) > limit {
		return &SchemaError{
			Table:  tableName,
			Column: column,
			Reason: fmt.Sprintf("identifier is %d bytes, %s allows %d", len(name), r.dialect.Name, limit),
		}
	}
	return nil
}

// columnType picks the type of a new column. Strict dialects only get text
// and json columns.
func (r *Registry) columnType(c Column) storage.ColumnType {
	if c.JSON {
		return storage.TypeJSON
	}
	t := InferType(c.Sample)
	if r.dialect.StrictTypes && (t == storage.TypeInteger || t == storage.TypeReal) {
		return storage.TypeText
	}
	return t
}

// InferType probes a raw value: base-10 integer, then finite float, else text.
func InferType(raw string) storage.ColumnType {
	s := strings.TrimSpace(raw)
	if s == "" {
		return storage.TypeText
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return storage.TypeInteger
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return storage.TypeReal
	}
	return storage.TypeText
}

// Plan is the DDL one batch needs before its rows can be inserted.
type Plan struct {
	// Table is the stored spelling of the table name.
	Table string

	// Create is true when the table does not exist yet; Add then holds every
	// column of the new table in first-seen order.
	Create     bool
	PrimaryKey *storage.PrimaryKeySpec
	Add        []storage.ColumnSpec

	fold    func(string) string
	columns map[string]storage.ColumnSpec // folded -> spec, existing and added
}

// Empty reports whether the plan requires no DDL.
func (p Plan) Empty() bool { return !p.Create && len(p.Add) == 0 }

// Column resolves a row's column name to the stored spec, folding case.
func (p Plan) Column(name string) (storage.ColumnSpec, bool) {
	if p.fold == nil {
		return storage.ColumnSpec{}, false
	}
	c, ok := p.columns[p.fold(name)]
	return c, ok
}

// Exec issues the plan's DDL inside tx.
func (p Plan) Exec(ctx context.Context, tx storage.Tx) error {
	if p.Create {
		return tx.CreateTable(ctx, storage.TableSpec{Name: p.Table, PrimaryKey: p.PrimaryKey, Columns: p.Add})
	}
	for _, c := range p.Add {
		if err := tx.AddColumn(ctx, p.Table, c); err != nil {
			return err
		}
	}
	return nil
}
