// The table and column descriptors live here so the schema registry, the
// loader and every backend can share them without import cycles.
package storage

// ColumnType is the backend-neutral type of a column. Backends map it to
// their own SQL type names.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInteger
	TypeReal
	TypeJSON
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeJSON:
		return "json"
	default:
		return "text"
	}
}

func (t ColumnType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

type TableSpec struct {
	Name       string          `json:"name" yaml:"name"`
	PrimaryKey *PrimaryKeySpec `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Columns    []ColumnSpec    `json:"columns" yaml:"columns"`
}

// PrimaryKeySpec names the surrogate key every generated table carries.
// Backends render it as their auto-increment integer key.
type PrimaryKeySpec struct {
	Name string `json:"name" yaml:"name"`
}

type ColumnSpec struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// JSONText marks a bind value as a serialized JSON document so backends with
// a native JSON type can bind it accordingly.
type JSONText string
