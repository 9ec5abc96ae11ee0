package healthkit

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// RouteOpener opens a route file named by a FileReference path.
type RouteOpener interface {
	OpenRoute(path string) (io.ReadCloser, error)
}

// ParseGPX returns the track points of a GPX document in file order.
func ParseGPX(r io.Reader) ([]Point, error) {
	dec := xml.NewDecoder(r)

	var (
		points []Point
		cur    *Point
		inEle  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return points, nil
		}
		if err != nil {
			return points, fmt.Errorf("gpx: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "trkpt":
				p, err := trackPoint(t.Attr)
				if err != nil {
					return points, err
				}
				cur = &p
			case "ele":
				inEle = cur != nil
			}
		case xml.CharData:
			if inEle {
				if v, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64); err == nil {
					cur.Elevation, cur.HasEle = v, true
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "ele":
				inEle = false
			case "trkpt":
				if cur != nil {
					points = append(points, *cur)
					cur = nil
				}
			}
		}
	}
}

func trackPoint(attrs []xml.Attr) (Point, error) {
	var (
		p            Point
		latOK, lonOK bool
		err          error
	)
	for _, a := range attrs {
		switch a.Name.Local {
		case "lat":
			if p.Lat, err = parseCoordinate(a.Value, 90); err != nil {
				return p, fmt.Errorf("gpx: trkpt lat: %w", err)
			}
			latOK = true
		case "lon":
			if p.Lon, err = parseCoordinate(a.Value, 180); err != nil {
				return p, fmt.Errorf("gpx: trkpt lon: %w", err)
			}
			lonOK = true
		}
	}
	if !latOK || !lonOK {
		return p, errors.New("gpx: trkpt missing lat or lon")
	}
	return p, nil
}

// parseCoordinate parses a finite decimal degree within [-limit, limit].
func parseCoordinate(s string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit {
		return 0, fmt.Errorf("coordinate %q out of range", s)
	}
	return v, nil
}
