package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Store is a backend-agnostic handle on a relational destination whose schema
// is created while rows are being written.
//
// Every mutation happens inside a Tx: the loader opens one transaction per
// flushed batch, issues the DDL the batch needs, inserts the rows and commits.
type Store interface {
	// Dialect reports backend limits the schema registry must respect.
	Dialect() Dialect

	// Begin opens a transaction. The caller must Commit or Rollback it.
	Begin(ctx context.Context) (Tx, error)

	// Close releases any backend resources (connections, pools).
	//
	// Callers should treat Close as "call once".
	Close()
}

// Tx is a single unit of atomicity against a Store.
//
// Implementations are not safe for concurrent use; the loader owns a Tx for
// the lifetime of one batch.
type Tx interface {
	// CreateTable creates t with its implicit primary key and columns in order.
	CreateTable(ctx context.Context, t TableSpec) error

	// AddColumn appends one nullable column to an existing table.
	AddColumn(ctx context.Context, table string, c ColumnSpec) error

	// InsertRows inserts rows positionally aligned with columns. Backends
	// chunk the statement to stay under their bind-parameter limit.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	Commit() error
	Rollback() error
}

// Dialect describes what a backend accepts.
type Dialect struct {
	Name string

	// MaxIdentifierLength is the longest table/column name accepted, in bytes.
	// Zero means unlimited.
	MaxIdentifierLength int

	// MaxParams is the most bind parameters a single statement may carry.
	MaxParams int

	// StrictTypes is set for backends that reject a bound string which does
	// not parse as the column's numeric type. Inferred integer and real
	// columns are created as text there, so a later "14.2.1" in a column
	// first seen as "14.2" is still written.
	StrictTypes bool
}

// RowsPerStatement returns how many rows of width cols fit into one statement.
func (d Dialect) RowsPerStatement(cols int) int {
	if cols <= 0 || d.MaxParams <= 0 {
		return 1
	}
	n := d.MaxParams / cols
	if n < 1 {
		return 1
	}
	return n
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
	dialects  = map[string]Dialect{}
)

// RegisterDialect records the dialect of a backend kind so callers can plan
// schema for it without opening a connection (dry runs).
func RegisterDialect(d Dialect) {
	mu.Lock()
	defer mu.Unlock()

	if d.Name == "" {
		panic("storage: RegisterDialect called with empty name")
	}
	dialects[d.Name] = d
}

// DialectFor returns the registered dialect of kind.
func DialectFor(kind string) (Dialect, bool) {
	mu.RLock()
	defer mu.RUnlock()

	d, ok := dialects[kind]
	return d, ok
}

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
