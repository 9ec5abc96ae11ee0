package schema

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthetl/internal/storage"
)

// recordingTx captures DDL issued by Plan.Exec.
type recordingTx struct {
	created []storage.TableSpec
	added   []string
	failAdd error
}

func (r *recordingTx) CreateTable(ctx context.Context, t storage.TableSpec) error {
	r.created = append(r.created, t)
	return nil
}

func (r *recordingTx) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	if r.failAdd != nil {
		return r.failAdd
	}
	r.added = append(r.added, table+"."+c.Name+":"+c.Type.String())
	return nil
}

func (r *recordingTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return 0, nil
}
func (r *recordingTx) Commit() error   { return nil }
func (r *recordingTx) Rollback() error { return nil }

func TestInferType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want storage.ColumnType
	}{
		{in: "42", want: storage.TypeInteger},
		{in: "-7", want: storage.TypeInteger},
		{in: "72.5", want: storage.TypeReal},
		{in: "1e3", want: storage.TypeReal},
		{in: "NaN", want: storage.TypeText},
		{in: "Inf", want: storage.TypeText},
		{in: "", want: storage.TypeText},
		{in: "2024-01-01 08:00:00 -0800", want: storage.TypeText},
		{in: "count/min", want: storage.TypeText},
		{in: "99999999999999999999", want: storage.TypeReal},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, InferType(tc.in))
		})
	}
}

// TestPlan_CreateThenEvolve walks a table through creation and an additive
// change, verifying the catalog only grows and types never change.
func TestPlan_CreateThenEvolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(storage.Dialect{Name: "sqlite"}, "")

	p, err := r.Plan("HKQuantityTypeIdentifierHeartRate", []Column{
		{Name: "type", Sample: "HKQuantityTypeIdentifierHeartRate"},
		{Name: "value", Sample: "72"},
		{Name: "unit", Sample: "count/min"},
	})
	require.NoError(t, err)
	assert.True(t, p.Create)
	assert.Equal(t, "id", p.PrimaryKey.Name)

	tx := &recordingTx{}
	require.NoError(t, p.Exec(ctx, tx))
	require.Len(t, tx.created, 1)
	assert.Equal(t, []storage.ColumnSpec{
		{Name: "type", Type: storage.TypeText},
		{Name: "value", Type: storage.TypeInteger},
		{Name: "unit", Type: storage.TypeText},
	}, tx.created[0].Columns)
	r.Apply(p)

	// Same columns with a non-conforming value: no DDL, type unchanged.
	p, err = r.Plan("HKQuantityTypeIdentifierHeartRate", []Column{{Name: "value", Sample: "72.5"}})
	require.NoError(t, err)
	assert.True(t, p.Empty())
	c, ok := p.Column("VALUE")
	require.True(t, ok)
	assert.Equal(t, storage.TypeInteger, c.Type)
	assert.Equal(t, "value", c.Name)

	// New attribute: additive change only.
	p, err = r.Plan("hkquantitytypeidentifierheartrate", []Column{
		{Name: "Unit", Sample: "bpm"},
		{Name: "device", Sample: "<<HKDevice>>"},
		{Name: "metadata_HKMetadataKeyHeartRateMotionContext", Sample: "0"},
	})
	require.NoError(t, err)
	assert.False(t, p.Create)
	assert.Equal(t, "HKQuantityTypeIdentifierHeartRate", p.Table)

	tx = &recordingTx{}
	require.NoError(t, p.Exec(ctx, tx))
	assert.Equal(t, []string{
		"HKQuantityTypeIdentifierHeartRate.device:text",
		"HKQuantityTypeIdentifierHeartRate.metadata_HKMetadataKeyHeartRateMotionContext:integer",
	}, tx.added)
	r.Apply(p)

	spec, ok := r.Table("HKQUANTITYTYPEIDENTIFIERHEARTRATE")
	require.True(t, ok)
	names := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"type", "value", "unit", "device", "metadata_HKMetadataKeyHeartRateMotionContext"}, names)
}

func TestPlan_JSONColumnsAndDuplicates(t *testing.T) {
	t.Parallel()
	r := New(storage.Dialect{}, "id")

	p, err := r.Plan("Workout", []Column{
		{Name: "duration", Sample: "30.5"},
		{Name: "Duration", Sample: "x"},
		{Name: "workoutEvents", Sample: "[]", JSON: true},
		{Name: "geometry", Sample: `{"type":"LineString"}`, JSON: true},
	})
	require.NoError(t, err)
	require.Len(t, p.Add, 3)
	assert.Equal(t, storage.TypeReal, p.Add[0].Type)
	assert.Equal(t, storage.TypeJSON, p.Add[1].Type)
	assert.Equal(t, storage.TypeJSON, p.Add[2].Type)
}

func TestPlan_NotAppliedUntilApply(t *testing.T) {
	t.Parallel()
	r := New(storage.Dialect{}, "id")

	_, err := r.Plan("ActivitySummary", []Column{{Name: "a", Sample: "1"}})
	require.NoError(t, err)
	_, ok := r.Table("ActivitySummary")
	assert.False(t, ok)

	p, err := r.Plan("ActivitySummary", nil)
	require.NoError(t, err)
	assert.True(t, p.Create)
}

func TestPlan_SchemaErrors(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 64)
	tests := []struct {
		name  string
		table string
		cols  []Column
	}{
		{name: "table_too_long", table: long},
		{name: "column_too_long", table: "t", cols: []Column{{Name: long}}},
		{name: "empty_table", table: ""},
		{name: "empty_column", table: "t", cols: []Column{{Name: " "}}},
		{name: "primary_key_collision", table: "t", cols: []Column{{Name: "ID", Sample: "1"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New(storage.Dialect{Name: "postgres", MaxIdentifierLength: 63}, "id")
			_, err := r.Plan(tc.table, tc.cols)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchema))
			var se *SchemaError
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestSnapshot_SortedCopy(t *testing.T) {
	t.Parallel()
	r := New(storage.Dialect{}, "pk")

	for _, name := range []string{"Workout", "ActivitySummary", "HKCategoryTypeIdentifierSleepAnalysis"} {
		p, err := r.Plan(name, []Column{{Name: "v", Sample: "1"}})
		require.NoError(t, err)
		r.Apply(p)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "ActivitySummary", snap[0].Name)
	assert.Equal(t, "Workout", snap[2].Name)
	assert.Equal(t, "pk", snap[0].PrimaryKey.Name)

	snap[0].Columns[0].Name = "mutated"
	spec, _ := r.Table("ActivitySummary")
	assert.Equal(t, "v", spec.Columns[0].Name)
}

func TestPlanExec_PropagatesDDLError(t *testing.T) {
	t.Parallel()
	r := New(storage.Dialect{}, "id")
	p, err := r.Plan("t", nil)
	require.NoError(t, err)
	r.Apply(p)

	p, err = r.Plan("t", []Column{{Name: "a"}})
	require.NoError(t, err)
	boom := errors.New("boom")
	assert.ErrorIs(t, p.Exec(context.Background(), &recordingTx{failAdd: boom}), boom)
}

func TestPlan_StrictDialectCreatesTextColumns(t *testing.T) {
	t.Parallel()

	r := New(storage.Dialect{Name: "postgres", StrictTypes: true}, "id")
	cols := []Column{
		{Name: "sourceVersion", Sample: "14.2"},
		{Name: "value", Sample: "72"},
		{Name: "unit", Sample: "count/min"},
		{Name: "workoutEvents", Sample: "[]", JSON: true},
	}
	p, err := r.Plan("Workout", cols)
	require.NoError(t, err)
	assert.Equal(t, []storage.ColumnSpec{
		{Name: "sourceVersion", Type: storage.TypeText},
		{Name: "value", Type: storage.TypeText},
		{Name: "unit", Type: storage.TypeText},
		{Name: "workoutEvents", Type: storage.TypeJSON},
	}, p.Add)
	r.Apply(p)

	// Additive columns follow the same rule.
	p, err = r.Plan("Workout", []Column{{Name: "duration", Sample: "30.5"}})
	require.NoError(t, err)
	assert.Equal(t, []storage.ColumnSpec{{Name: "duration", Type: storage.TypeText}}, p.Add)
}
