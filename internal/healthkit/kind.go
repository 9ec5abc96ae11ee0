// Package healthkit converts the structural event stream of an Apple Health
// export into flat rows, one per Record, Workout and ActivitySummary.
package healthkit

// ElementKind classifies an export element by tag name.
type ElementKind uint8

const (
	Other ElementKind = iota
	Record
	Workout
	ActivitySummary
	MetadataEntry
	FileReference
	WorkoutEvent
	WorkoutStatistics
	WorkoutRoute
	Location
)

var kindByTag = map[string]ElementKind{
	"Record":            Record,
	"Workout":           Workout,
	"ActivitySummary":   ActivitySummary,
	"MetadataEntry":     MetadataEntry,
	"FileReference":     FileReference,
	"WorkoutEvent":      WorkoutEvent,
	"WorkoutStatistics": WorkoutStatistics,
	"WorkoutRoute":      WorkoutRoute,
	"Location":          Location,
}

// Classify maps a tag name to its ElementKind. Unknown tags are Other.
func Classify(tag string) ElementKind {
	return kindByTag[tag]
}

func (k ElementKind) String() string {
	switch k {
	case Record:
		return "Record"
	case Workout:
		return "Workout"
	case ActivitySummary:
		return "ActivitySummary"
	case MetadataEntry:
		return "MetadataEntry"
	case FileReference:
		return "FileReference"
	case WorkoutEvent:
		return "WorkoutEvent"
	case WorkoutStatistics:
		return "WorkoutStatistics"
	case WorkoutRoute:
		return "WorkoutRoute"
	case Location:
		return "Location"
	default:
		return "Other"
	}
}

// RowProducing reports whether elements of kind k become rows.
func (k ElementKind) RowProducing() bool {
	return k == Record || k == Workout || k == ActivitySummary
}
