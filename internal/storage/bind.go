package storage

import (
	"math"
	"strconv"
	"strings"
)

// BindValue converts a raw attribute string into the value bound for a column
// of type t.
//
// Values that conform to the column type are bound natively (int64, float64).
// Anything else is bound as the original string; a column's type never
// changes after creation. Only backends without Dialect.StrictTypes have
// numeric columns, and they store such strings as text.
func BindValue(raw string, t ColumnType) any {
	switch t {
	case TypeInteger:
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return n
		}
	case TypeReal:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
	case TypeJSON:
		return JSONText(raw)
	}
	return raw
}
