package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"healthetl/internal/storage"
)

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for the bundled engine.
const maxParams = 32766

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite uses type affinity, so a value that does not conform to the
//     declared column type is stored as-is instead of failing the batch.
//   - JSON has no storage class of its own; it is declared as JSON (TEXT
//     affinity) and queried with the json_* functions.
//   - One connection: SQLite serializes writers anyway and a single
//     connection keeps the transaction on the connection that issued DDL.
type Store struct {
	db *sql.DB
}

var dialect = storage.Dialect{Name: "sqlite", MaxParams: maxParams}

func init() {
	storage.Register("sqlite", New)
	storage.RegisterDialect(dialect)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", TrimDSN(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Dialect() storage.Dialect {
	return dialect
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, maxParams: maxParams}, nil
}

// Tx wraps *sql.Tx.
type Tx struct {
	tx        *sql.Tx
	maxParams int
}

func (t *Tx) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	q, err := buildCreateTableSQL(spec)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

func (t *Tx) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", sqlIdent(table), sqlIdent(c.Name), columnType(c.Type))
	if _, err := t.tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
	}
	return nil
}

// InsertRows performs SQLite multi-row inserts, chunked by the variable limit.
func (t *Tx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	d := storage.Dialect{MaxParams: t.maxParams}
	per := d.RowsPerStatement(len(columns))

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildInsertSQL(table, columns, rows[start:end])
		res, err := t.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func columnType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "INTEGER"
	case storage.TypeReal:
		return "REAL"
	case storage.TypeJSON:
		return "JSON"
	default:
		return "TEXT"
	}
}

// buildCreateTableSQL renders the CREATE TABLE statement for a generated table.
//
// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and
// auto-generates values.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	parts := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("%s: column name is empty", t.Name)
		}
		parts = append(parts, fmt.Sprintf("%s %s", sqlIdent(c.Name), columnType(c.Type)))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	// Rows with no attributes still get a primary key; callers send them one at a time.
	if len(columns) == 0 {
		return "INSERT INTO " + sqlIdent(table) + " DEFAULT VALUES;", nil
	}
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			if j, ok := v.(storage.JSONText); ok {
				v = string(j)
			}
			args = append(args, v)
		}
	}
	return b.String(), args
}

// TrimDSN accepts the "sqlite://path" URL form as well as plain paths and
// "file:" URIs understood by the driver.
func TrimDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	for _, p := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(dsn, p) {
			return strings.TrimPrefix(dsn, p)
		}
	}
	return dsn
}

// dbPath returns the filesystem path behind dsn, or "" for in-memory databases.
func dbPath(dsn string) string {
	p := TrimDSN(dsn)
	p = strings.TrimPrefix(p, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return ""
	}
	return p
}

// DatabaseExists reports whether the database file behind dsn exists.
func DatabaseExists(dsn string) (bool, error) {
	p := dbPath(dsn)
	if p == "" {
		return false, nil
	}
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// DropDatabase removes the database file behind dsn together with its
// journal side files.
func DropDatabase(dsn string) error {
	p := dbPath(dsn)
	if p == "" {
		return nil
	}
	for _, f := range []string{p, p + "-wal", p + "-shm", p + "-journal"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("drop %s: %w", f, err)
		}
	}
	return nil
}
