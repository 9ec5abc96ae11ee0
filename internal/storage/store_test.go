package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{ dsn string }

func (f *fakeStore) Dialect() Dialect                     { return Dialect{Name: "fake", MaxParams: 10} }
func (f *fakeStore) Begin(ctx context.Context) (Tx, error) { return nil, nil }
func (f *fakeStore) Close()                               {}

// TestRegisterAndNew verifies the factory registry contract: lookup by kind,
// DSN pass-through, and errors for empty or unknown kinds.
func TestRegisterAndNew(t *testing.T) {
	Register("fake-registry-test", func(ctx context.Context, cfg Config) (Store, error) {
		return &fakeStore{dsn: cfg.DSN}, nil
	})

	s, err := New(context.Background(), Config{Kind: "fake-registry-test", DSN: "mem"})
	require.NoError(t, err)
	assert.Equal(t, "mem", s.(*fakeStore).dsn)
	assert.Contains(t, Kinds(), "fake-registry-test")

	_, err = New(context.Background(), Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Kind: "nope"})
	assert.ErrorContains(t, err, "unsupported storage.kind=nope")
}

func TestRegister_Panics(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Store, error) { return nil, nil }

	assert.Panics(t, func() { Register("", f) })
	assert.Panics(t, func() { Register("fake-nil", nil) })

	Register("fake-dup", f)
	assert.Panics(t, func() { Register("fake-dup", f) })
}

func TestDialect_RowsPerStatement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    Dialect
		cols int
		want int
	}{
		{name: "mssql_limit", d: Dialect{MaxParams: 2100}, cols: 10, want: 210},
		{name: "wider_than_limit", d: Dialect{MaxParams: 5}, cols: 10, want: 1},
		{name: "no_columns", d: Dialect{MaxParams: 100}, cols: 0, want: 1},
		{name: "unknown_limit", d: Dialect{}, cols: 3, want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.d.RowsPerStatement(tc.cols))
		})
	}
}

func TestBindValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		typ  ColumnType
		want any
	}{
		{name: "int_conforms", raw: "42", typ: TypeInteger, want: int64(42)},
		{name: "int_nonconforming_stays_text", raw: "4.5", typ: TypeInteger, want: "4.5"},
		{name: "real_conforms", raw: "72.5", typ: TypeReal, want: 72.5},
		{name: "real_accepts_int", raw: "3", typ: TypeReal, want: float64(3)},
		{name: "real_rejects_nan", raw: "NaN", typ: TypeReal, want: "NaN"},
		{name: "text_untouched", raw: "count/min", typ: TypeText, want: "count/min"},
		{name: "json_marked", raw: `{"a":1}`, typ: TypeJSON, want: JSONText(`{"a":1}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BindValue(tc.raw, tc.typ))
		})
	}
}

func TestColumnType_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "integer", TypeInteger.String())
	assert.Equal(t, "real", TypeReal.String())
	assert.Equal(t, "text", TypeText.String())
	assert.Equal(t, "json", TypeJSON.String())

	b, err := TypeJSON.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "json", string(b))
}
