// Package metrics is the backend-neutral metrics facade used by the importer.
//
// Import code records through the package-level helpers. A process installs a
// concrete Backend once at startup with SetBackend; until then every call goes
// to a no-op backend, so tests and library callers pay nothing.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions (Datadog tags, Prometheus labels).
type Labels map[string]string

// Backend receives raw metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "csvload_step_total"
	StepDurationSeconds = "csvload_step_duration_seconds"
	RowsTotal           = "csvload_rows_total"
	ChunksTotal         = "csvload_chunks_total"
	FilesTotal          = "csvload_files_total"
	ReconnectsTotal     = "csvload_reconnects_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush forwards to the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one execution of a pipeline stage and its duration.
// status is "ok" or "error".
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows adds n rows of the given kind: read, written, filtered,
// invalid or skipped.
func RecordRows(kind string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// RecordChunk counts one processed chunk by outcome.
func RecordChunk(status string) {
	current().IncCounter(ChunksTotal, 1, Labels{"status": status})
}

// RecordFile counts one processed file by outcome.
func RecordFile(status string) {
	current().IncCounter(FilesTotal, 1, Labels{"status": status})
}

// RecordReconnect counts one reconnection attempt by outcome.
func RecordReconnect(status string) {
	current().IncCounter(ReconnectsTotal, 1, Labels{"status": status})
}

// Status maps an error to the status label used by the helpers above.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
