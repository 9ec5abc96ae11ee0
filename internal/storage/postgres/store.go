package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"healthetl/internal/storage"
)

const (
	// NAMEDATALEN-1; longer identifiers are silently truncated by the server,
	// which would merge distinct columns.
	maxIdentifierLength = 63
	maxParams           = 65535
)

/*
Store implements storage.Store for Postgres.

It provides:
  - Transactional CREATE TABLE / ALTER TABLE ADD COLUMN
  - Multi-row INSERT with $n placeholders, chunked by the protocol's
    parameter limit
  - JSONB for derived JSON columns
*/
type Store struct {
	pool *pgxpool.Pool
}

var dialect = storage.Dialect{Name: "postgres", MaxIdentifierLength: maxIdentifierLength, MaxParams: maxParams, StrictTypes: true}

func init() {
	storage.Register("postgres", New)
	storage.RegisterDialect(dialect)
}

// New creates a new Postgres-backed Store.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Dialect() storage.Dialect {
	return dialect
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, ctx: ctx}, nil
}

// Tx wraps a pgx transaction.
type Tx struct {
	tx  pgx.Tx
	ctx context.Context
}

func (t *Tx) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	q, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

func (t *Tx) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	def, err := buildColumnDef(c)
	if err != nil {
		return fmt.Errorf("add column %s: %w", table, err)
	}
	q := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s;`, pgIdent(table), def)
	if _, err := t.tx.Exec(ctx, q); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
	}
	return nil
}

func (t *Tx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	per := storage.Dialect{MaxParams: maxParams}.RowsPerStatement(len(columns))

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildInsertSQL(table, columns, rows[start:end])
		cmd, err := t.tx.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

func (t *Tx) Commit() error { return t.tx.Commit(t.ctx) }

// Rollback must still reach the server after the run context is canceled.
func (t *Tx) Rollback() error { return t.tx.Rollback(context.WithoutCancel(t.ctx)) }

// pgIdent double-quotes an identifier so mixed-case names survive verbatim.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeReal:
		return "DOUBLE PRECISION"
	case storage.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// buildColumnDef renders a single nullable column definition.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}
	return pgIdent(name) + " " + columnType(c.Type), nil
}

// buildCreateSQL builds the CREATE TABLE statement for a generated table.
//
// The primary key, when present, is the first column and is never part of
// t.Columns.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	cols := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		if pk == "" {
			return "", fmt.Errorf("table %s: primary_key.name is required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s BIGSERIAL PRIMARY KEY`, pgIdent(pk)))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}

	return fmt.Sprintf(`CREATE TABLE %s (%s);`, pgIdent(t.Name), strings.Join(cols, ", ")), nil
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	if len(columns) == 0 {
		return "INSERT INTO " + pgIdent(table) + " DEFAULT VALUES;", nil
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, bindArg(row[j]))
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(";")
	return b.String(), args
}

// bindArg hands JSON documents to pgx as raw JSON so they land in JSONB
// without a second encoding pass.
func bindArg(v any) any {
	if j, ok := v.(storage.JSONText); ok {
		return json.RawMessage(j)
	}
	return v
}
