package healthkit

import "encoding/json"

// Point is one route sample. Elevation is carried for completeness but is not
// part of the emitted geometry.
type Point struct {
	Lon, Lat  float64
	Elevation float64
	HasEle    bool
}

type lineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// BuildLineString renders points as a GeoJSON LineString with [lon, lat]
// coordinates in input order. It reports false for an empty sequence.
func BuildLineString(points []Point) (string, bool) {
	if len(points) == 0 {
		return "", false
	}
	ls := lineString{Type: "LineString", Coordinates: make([][2]float64, len(points))}
	for i, p := range points {
		ls.Coordinates[i] = [2]float64{p.Lon, p.Lat}
	}
	b, err := json.Marshal(ls)
	if err != nil {
		// Only reachable with NaN/Inf, which parseCoordinate rejects.
		return "", false
	}
	return string(b), true
}
