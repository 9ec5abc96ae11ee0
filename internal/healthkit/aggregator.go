package healthkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"healthetl/internal/parser/xmlstream"
)

// frame is one open element on the aggregation stack. Only the fields for
// its kind are populated.
type frame struct {
	kind  ElementKind
	open  *xmlstream.Event
	attrs []xmlstream.Attr

	// Record, Workout
	metadata []Column

	// Workout
	events   []map[string]any
	stats    map[string]map[string]any
	geometry string

	// WorkoutRoute
	points []Point
	files  []string
}

// Aggregator folds a flat event stream into Rows. It is not safe for
// concurrent use.
type Aggregator struct {
	stack  []*frame
	routes RouteOpener
}

// NewAggregator returns an Aggregator. routes may be nil, in which case
// FileReference paths are recorded but never opened.
func NewAggregator(routes RouteOpener) *Aggregator {
	return &Aggregator{routes: routes}
}

// Depth returns the number of open elements.
func (a *Aggregator) Depth() int { return len(a.stack) }

// Handle consumes one event. It returns a finished Row when the event closes
// a row-producing element.
//
// A returned *ElementError is recoverable: the offending element is dropped
// and the caller may keep feeding events. A *StructuralError is fatal.
func (a *Aggregator) Handle(ev *xmlstream.Event) (Row, bool, error) {
	switch ev.Kind {
	case xmlstream.StartElement:
		return Row{}, false, a.open(ev)
	case xmlstream.EndElement:
		return a.close(ev)
	default:
		return Row{}, false, nil
	}
}

// Finish reports a StructuralError when elements are still open at end of
// stream.
func (a *Aggregator) Finish() error {
	if len(a.stack) == 0 {
		return nil
	}
	top := a.stack[len(a.stack)-1]
	err := structuralErr(top.open, "stream ended with %d open element(s)", len(a.stack))
	a.stack = nil
	return err
}

// push copies ev: the event lives in a pooled batch that is recycled before
// the matching close arrives.
func (a *Aggregator) push(ev *xmlstream.Event, kind ElementKind) *frame {
	open := *ev
	f := &frame{kind: kind, open: &open, attrs: open.Attrs}
	a.stack = append(a.stack, f)
	return f
}

func (a *Aggregator) parent() *frame {
	if len(a.stack) == 0 {
		return nil
	}
	return a.stack[len(a.stack)-1]
}

// enclosingWorkout finds the nearest Workout, looking through transparent
// containers only.
func (a *Aggregator) enclosingWorkout() *frame {
	for i := len(a.stack) - 1; i >= 0; i-- {
		switch a.stack[i].kind {
		case Workout:
			return a.stack[i]
		case Other:
			continue
		default:
			return nil
		}
	}
	return nil
}

func (a *Aggregator) open(ev *xmlstream.Event) error {
	kind := Classify(ev.Name)
	parent := a.parent()
	// Resolved before the push, which would shadow the Workout.
	workout := a.enclosingWorkout()
	// Every open gets a frame so closes can be matched.
	f := a.push(ev, kind)

	switch kind {
	case Workout:
		f.stats = make(map[string]map[string]any)

	case MetadataEntry:
		if parent == nil || (parent.kind != Record && parent.kind != Workout) {
			return nil
		}
		key, okKey := ev.Attr("key")
		value, okValue := ev.Attr("value")
		if !okKey || key == "" || !okValue {
			return elementErr(ev, "missing required attribute key or value", nil)
		}
		parent.metadata = append(parent.metadata, Column{Name: metadataPrefix + key, Value: value})

	case WorkoutEvent, WorkoutStatistics:
		if workout == nil {
			return structuralErr(ev, "%s outside Workout", ev.Name)
		}
		if kind == WorkoutEvent {
			workout.events = append(workout.events, jsonAttrs(ev.Attrs))
			return nil
		}
		typ, ok := ev.Attr("type")
		if !ok {
			return elementErr(ev, "missing required attribute type", nil)
		}
		workout.stats[typ] = jsonAttrs(ev.Attrs)

	case WorkoutRoute:
		if workout == nil {
			return structuralErr(ev, "WorkoutRoute outside Workout")
		}

	case Location:
		if parent == nil || parent.kind != WorkoutRoute {
			return nil
		}
		p, err := locationPoint(ev)
		if err != nil {
			return elementErr(ev, "unparsable coordinate", err)
		}
		parent.points = append(parent.points, p)

	case FileReference:
		if parent == nil || parent.kind != WorkoutRoute {
			return nil
		}
		path, ok := ev.Attr("path")
		if !ok || path == "" {
			return elementErr(ev, "missing required attribute path", nil)
		}
		parent.files = append(parent.files, path)
	}
	return nil
}

func (a *Aggregator) close(ev *xmlstream.Event) (Row, bool, error) {
	top := a.parent()
	if top == nil {
		return Row{}, false, structuralErr(ev, "unexpected close with no open element")
	}
	if top.open.Name != ev.Name {
		return Row{}, false, structuralErr(ev, "close does not match open <%s> at line %d", top.open.Name, top.open.Line)
	}
	a.stack = a.stack[:len(a.stack)-1]

	switch top.kind {
	case Record:
		typ, ok := top.open.Attr("type")
		if !ok || typ == "" {
			return Row{}, false, elementErr(top.open, "missing required attribute type", nil)
		}
		cols := attrColumns(top.attrs, len(top.metadata))
		cols = append(cols, top.metadata...)
		return Row{Table: typ, Columns: cols}, true, nil

	case ActivitySummary:
		return Row{Table: TableActivitySummary, Columns: attrColumns(top.attrs, 0)}, true, nil

	case Workout:
		return a.closeWorkout(top)

	case WorkoutRoute:
		return Row{}, false, a.closeRoute(top)
	}
	return Row{}, false, nil
}

func (a *Aggregator) closeWorkout(f *frame) (Row, bool, error) {
	if v, ok := f.open.Attr("workoutActivityType"); !ok || v == "" {
		return Row{}, false, elementErr(f.open, "missing required attribute workoutActivityType", nil)
	}

	events := f.events
	if events == nil {
		events = []map[string]any{}
	}
	evJSON, err := json.Marshal(events)
	if err != nil {
		return Row{}, false, elementErr(f.open, "encode workoutEvents", err)
	}
	statsJSON, err := json.Marshal(f.stats)
	if err != nil {
		return Row{}, false, elementErr(f.open, "encode workoutStatistics", err)
	}

	cols := attrColumns(f.attrs, len(f.metadata)+3)
	cols = append(cols, f.metadata...)
	cols = append(cols,
		Column{Name: ColumnWorkoutEvents, Value: string(evJSON), JSON: true},
		Column{Name: ColumnWorkoutStatistics, Value: string(statsJSON), JSON: true},
	)
	if f.geometry != "" {
		cols = append(cols, Column{Name: ColumnGeometry, Value: f.geometry, JSON: true})
	}
	return Row{Table: TableWorkout, Columns: cols}, true, nil
}

// closeRoute resolves referenced route files and stores the route geometry
// on the enclosing Workout. A failed file is skipped and reported.
func (a *Aggregator) closeRoute(f *frame) error {
	w := a.enclosingWorkout()
	if w == nil {
		return structuralErr(f.open, "WorkoutRoute outside Workout")
	}

	points := f.points
	var errs []error
	if a.routes != nil {
		for _, path := range f.files {
			pts, err := a.readRoute(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			points = append(points, pts...)
		}
	}

	if geo, ok := BuildLineString(points); ok {
		w.geometry = geo
	}
	if len(errs) > 0 {
		return elementErr(f.open, "route file", errors.Join(errs...))
	}
	return nil
}

func (a *Aggregator) readRoute(path string) ([]Point, error) {
	rc, err := a.routes.OpenRoute(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer rc.Close()

	pts, err := ParseGPX(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pts, nil
}

func locationPoint(ev *xmlstream.Event) (Point, error) {
	var p Point
	lat, ok := ev.Attr("latitude")
	if !ok {
		return p, errors.New("missing latitude")
	}
	lon, ok := ev.Attr("longitude")
	if !ok {
		return p, errors.New("missing longitude")
	}
	var err error
	if p.Lat, err = parseCoordinate(lat, 90); err != nil {
		return p, fmt.Errorf("latitude: %w", err)
	}
	if p.Lon, err = parseCoordinate(lon, 180); err != nil {
		return p, fmt.Errorf("longitude: %w", err)
	}
	if ele, ok := ev.Attr("altitude"); ok {
		if v, err := strconv.ParseFloat(ele, 64); err == nil {
			p.Elevation, p.HasEle = v, true
		}
	}
	return p, nil
}

// jsonAttrs renders child attributes as a JSON object, with numeric-looking
// values as numbers.
func jsonAttrs(attrs []xmlstream.Attr) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, at := range attrs {
		m[at.Name] = jsonValue(at.Value)
	}
	return m
}

func jsonValue(s string) any {
	t := strings.TrimSpace(s)
	if t == "" || !json.Valid([]byte(t)) {
		return s
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return s
	}
	return json.Number(t)
}
