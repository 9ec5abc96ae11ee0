// Package metrics is the process-wide metrics facade. Pipeline code records
// through the package functions; a concrete Backend (Datadog, Pushgateway) is
// installed once at startup with SetBackend. The default backend discards
// everything.
package metrics

import (
	"sync"
	"time"
)

// Metric names shared by all backends.
const (
	RecordsTotal        = "etl_records_total"
	BatchesTotal        = "etl_batches_total"
	ElementErrorsTotal  = "etl_element_errors_total"
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
)

// Labels are metric dimensions, e.g. {"step": "flush", "status": "ok"}.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	current = b
	mu.Unlock()
}

func get() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func IncCounter(name string, delta float64, labels Labels) {
	get().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	get().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered observations of the current backend.
func Flush() error {
	return get().Flush()
}

// RecordStep counts one execution of step and its duration, labeled ok or
// error by err.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts n rows written to table.
func RecordRows(table string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": table})
}

// RecordBatch counts one committed batch.
func RecordBatch() {
	IncCounter(BatchesTotal, 1, nil)
}

// RecordElementError counts one recovered per-element error for tag.
func RecordElementError(tag string) {
	IncCounter(ElementErrorsTotal, 1, Labels{"tag": tag})
}
