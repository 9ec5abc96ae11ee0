package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"healthetl/internal/storage"
)

const (
	maxIdentifierLength = 128

	// SQL Server rejects statements with 2100 or more parameters.
	maxParams = 2099

	// A table value constructor is limited to 1000 row expressions.
	maxRowsPerValues = 1000
)

// Store implements storage.Store for Microsoft SQL Server.
//
// Column mapping:
//   - integer -> BIGINT
//   - real    -> FLOAT
//   - text    -> NVARCHAR(MAX)
//   - json    -> NVARCHAR(MAX) (queried with OPENJSON / JSON_VALUE)
//
// Note on driver registration:
//   - This package does NOT blank-import a SQL Server driver. storage/all
//     registers the "sqlserver" driver for the binary.
type Store struct {
	db dbConn
}

var dialect = storage.Dialect{Name: "mssql", MaxIdentifierLength: maxIdentifierLength, MaxParams: maxParams, StrictTypes: true}

func init() {
	storage.Register("mssql", New)
	storage.RegisterDialect(dialect)
}

// New constructs a Store using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Store{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) Dialect() storage.Dialect {
	return dialect
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps a txConn.
type Tx struct {
	tx txConn
}

func (t *Tx) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	q, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", spec.Name, err)
	}
	return nil
}

func (t *Tx) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	def, err := mssqlColumnDef(c)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD %s;", mssqlIdent(table), def)
	if _, err := t.tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: add column %s.%s: %w", table, c.Name, err)
	}
	return nil
}

// InsertRows inserts rows in chunks that respect both the parameter limit and
// the row-constructor limit.
func (t *Tx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	per := min(storage.Dialect{MaxParams: maxParams}.RowsPerStatement(len(columns)), maxRowsPerValues)

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildBulkInsertSQL(table, columns, rows[start:end])
		res, err := t.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func columnType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeReal:
		return "FLOAT"
	default:
		return "NVARCHAR(MAX)"
	}
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", fmt.Errorf("mssql: primary key name is empty")
		}
		parts = append(parts, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", t.Name)
	}

	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

// mssqlColumnDef builds a nullable SQL Server column definition.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	return mssqlIdent(c.Name) + " " + columnType(c.Type) + " NULL", nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	if len(columns) == 0 {
		return "INSERT INTO " + mssqlIdent(table) + " DEFAULT VALUES;", nil
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
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
			fmt.Fprintf(&b, "@p%d", p)
			v := row[j]
			if s, ok := v.(storage.JSONText); ok {
				v = string(s)
			}
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sql.Tx)(nil)
)
