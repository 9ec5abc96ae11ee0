package healthkit

import "healthetl/internal/parser/xmlstream"

const (
	TableWorkout         = "Workout"
	TableActivitySummary = "ActivitySummary"

	ColumnWorkoutEvents     = "workoutEvents"
	ColumnWorkoutStatistics = "workoutStatistics"
	ColumnGeometry          = "geometry"

	metadataPrefix = "metadata_"
)

// Column is one named value of a Row. Value is the raw attribute text, or a
// serialized JSON document when JSON is set.
type Column struct {
	Name  string
	Value string
	JSON  bool
}

// Row is a finished element ready for the writer. Columns keep document
// order: own attributes, then metadata, then derived JSON columns.
type Row struct {
	Table   string
	Columns []Column
}

// Get returns the value of the first column named name.
func (r Row) Get(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func attrColumns(attrs []xmlstream.Attr, extra int) []Column {
	cols := make([]Column, 0, len(attrs)+extra)
	for _, a := range attrs {
		cols = append(cols, Column{Name: a.Name, Value: a.Value})
	}
	return cols
}
