// Package metrics records bulk write activity through a pluggable backend.
//
// A Recorder implements store.Observer and turns every completed UpsertMany
// or InsertMany call into counter and histogram samples. Concrete backends
// live in subpackages (prom, datadog) so the store package stays free of
// metrics dependencies.
package metrics

import (
	"maps"
	"slices"
	"strconv"

	"github.com/jacentio/doctable/store"
)

// Metric names emitted by Recorder.
const (
	BulkRequests = "doctable_bulk_requests_total"
	BulkDropped  = "doctable_bulk_dropped_total"
	BulkWaves    = "doctable_bulk_waves"
	BulkDuration = "doctable_bulk_duration_seconds"
)

// Label values for the status label.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a histogram.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Nop returns a Backend that discards everything.
func Nop() Backend { return nopBackend{} }

// Recorder reports bulk events to a Backend.
type Recorder struct {
	backend Backend
}

var _ store.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder. A nil backend records nothing.
func NewRecorder(b Backend) *Recorder {
	if b == nil {
		b = nopBackend{}
	}
	return &Recorder{backend: b}
}

// ObserveBulk implements store.Observer.
func (r *Recorder) ObserveBulk(ev store.BulkEvent) {
	status := StatusOK
	if ev.Err != nil {
		status = StatusError
	}
	op := ev.Kind.String()

	r.backend.IncCounter(BulkRequests, float64(ev.Requests), Labels{
		"table":  ev.Table,
		"op":     op,
		"status": status,
	})
	if ev.Dropped > 0 {
		r.backend.IncCounter(BulkDropped, float64(ev.Dropped), Labels{
			"table": ev.Table,
			"op":    op,
		})
	}
	if ev.Waves > 0 {
		r.backend.ObserveHistogram(BulkWaves, float64(ev.Waves), Labels{
			"table": ev.Table,
			"op":    op,
		})
	}
	r.backend.ObserveHistogram(BulkDuration, ev.Duration.Seconds(), Labels{
		"table":  ev.Table,
		"op":     op,
		"status": status,
	})
}

// Flush delegates to the backend.
func (r *Recorder) Flush() error {
	return r.backend.Flush()
}

// String renders labels as sorted key="value" pairs.
func (l Labels) String() string {
	var out []byte
	for i, k := range slices.Sorted(maps.Keys(l)) {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, k...)
		out = append(out, '=')
		out = strconv.AppendQuote(out, l[k])
	}
	return string(out)
}
