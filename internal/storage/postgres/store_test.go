package postgres

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthetl/internal/schema"
	"healthetl/internal/storage"
)

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	q, err := buildCreateSQL(storage.TableSpec{
		Name:       "HKQuantityTypeIdentifierStepCount",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "id"},
		Columns: []storage.ColumnSpec{
			{Name: "value", Type: storage.TypeInteger},
			{Name: "sourceName", Type: storage.TypeText},
			{Name: "geometry", Type: storage.TypeJSON},
			{Name: "avg", Type: storage.TypeReal},
		},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE TABLE "HKQuantityTypeIdentifierStepCount" ("id" BIGSERIAL PRIMARY KEY, "value" BIGINT, "sourceName" TEXT, "geometry" JSONB, "avg" DOUBLE PRECISION);`,
		q)
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec storage.TableSpec
	}{
		{name: "empty_name", spec: storage.TableSpec{Name: ""}},
		{name: "empty_pk", spec: storage.TableSpec{Name: "t", PrimaryKey: &storage.PrimaryKeySpec{}}},
		{name: "empty_column", spec: storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: " "}}}},
		{name: "no_columns", spec: storage.TableSpec{Name: "t"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildCreateSQL(tc.spec)
			assert.Error(t, err)
		})
	}
}

func TestBuildInsertSQL_PlaceholdersAndJSON(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("Workout", []string{"duration", "workoutEvents"}, [][]any{
		{12.5, storage.JSONText(`[]`)},
		{"bad", storage.JSONText(`[{"type":"pause"}]`)},
	})
	assert.Equal(t, `INSERT INTO "Workout" ("duration", "workoutEvents") VALUES ($1, $2), ($3, $4);`, q)
	require.Len(t, args, 4)
	assert.Equal(t, json.RawMessage(`[]`), args[1])
	assert.Equal(t, "bad", args[2])
}

func TestPgIdent_PreservesCaseAndEscapes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `"sourceVersion"`, pgIdent("sourceVersion"))
	assert.Equal(t, `"a""b"`, pgIdent(`a"b`))
}

func TestDialectLimits(t *testing.T) {
	t.Parallel()
	d := (&Store{}).Dialect()
	assert.Equal(t, 63, d.MaxIdentifierLength)
	assert.True(t, strings.EqualFold(d.Name, "postgres"))
	assert.Equal(t, 65535/10, d.RowsPerStatement(10))
	assert.True(t, d.StrictTypes)
}

// TestRegistryColumns_AcceptLaterNonNumericValues covers a column first seen
// as "14.2" that later receives "14.2.1": a DOUBLE PRECISION column would
// reject the second row, so the column is TEXT and both values bind as text.
func TestRegistryColumns_AcceptLaterNonNumericValues(t *testing.T) {
	t.Parallel()

	reg := schema.New(dialect, "id")
	plan, err := reg.Plan("HKQuantityTypeIdentifierBodyMass", []schema.Column{
		{Name: "sourceVersion", Sample: "14.2"},
		{Name: "value", Sample: "70"},
	})
	require.NoError(t, err)

	q, err := buildCreateSQL(storage.TableSpec{Name: plan.Table, PrimaryKey: plan.PrimaryKey, Columns: plan.Add})
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE TABLE "HKQuantityTypeIdentifierBodyMass" ("id" BIGSERIAL PRIMARY KEY, "sourceVersion" TEXT, "value" TEXT);`,
		q)

	col, ok := plan.Column("sourceVersion")
	require.True(t, ok)
	_, args := buildInsertSQL(plan.Table, []string{"sourceVersion"}, [][]any{
		{storage.BindValue("14.2", col.Type)},
		{storage.BindValue("14.2.1", col.Type)},
	})
	assert.Equal(t, []any{"14.2", "14.2.1"}, args)
}

func TestBuildInsertSQL_NoColumns(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("ActivitySummary", nil, [][]any{{}})
	assert.Equal(t, `INSERT INTO "ActivitySummary" DEFAULT VALUES;`, q)
	assert.Empty(t, args)
}
