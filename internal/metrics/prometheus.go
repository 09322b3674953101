// Package metrics exposes Prometheus instrumentation for the audit engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all audit engine metrics.
type Registry struct {
	// Chain metrics
	AppendsTotal   *prometheus.CounterVec
	AppendFailures prometheus.Counter
	ChainLength    prometheus.Gauge

	// Verification metrics
	VerifyRuns     *prometheus.CounterVec
	VerifyDuration prometheus.Histogram

	// Broadcast metrics
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
	StreamClients   prometheus.Gauge

	// Retention metrics
	SweepRuns        prometheus.Counter
	EntriesArchived  prometheus.Counter
	EntriesPurged    prometheus.Counter
	EntriesFlagged   prometheus.Counter
	SkippedLegalHold prometheus.Counter
	ArchiveFailures  prometheus.Counter

	// Export metrics
	ExportJobs *prometheus.CounterVec

	// Incident metrics
	IncidentsOpened *prometheus.CounterVec

	// API metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.AppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_appends_total",
		Help: "Audit entries appended to the chain",
	}, []string{"action"})

	r.AppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Append attempts that failed to commit",
	})

	r.ChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_chain_length",
		Help: "Sequence number at the chain head",
	})

	r.VerifyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_verify_runs_total",
		Help: "Integrity verification runs by result",
	}, []string{"result"})

	r.VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_verify_duration_seconds",
		Help:    "Duration of integrity verification walks",
		Buckets: prometheus.DefBuckets,
	})

	r.EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_published_total",
		Help: "Events published to the realtime bus",
	})

	r.EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Events dropped for slow or full subscribers",
	})

	r.StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_stream_clients",
		Help: "Connected realtime stream clients",
	})

	r.SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_retention_sweeps_total",
		Help: "Retention sweep runs",
	})

	r.EntriesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_archived_total",
		Help: "Entries copied to the archive by retention sweeps",
	})

	r.EntriesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_purged_total",
		Help: "Entries purged by retention sweeps",
	})

	r.EntriesFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_flagged_total",
		Help: "Eligible entries flagged for manual action",
	})

	r.SkippedLegalHold = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_skipped_legal_hold_total",
		Help: "Eligible entries skipped due to legal hold",
	})

	r.ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_archive_failures_total",
		Help: "Archive attempts that failed; purge deferred to next sweep",
	})

	r.ExportJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_export_jobs_total",
		Help: "Compliance export jobs by final status",
	}, []string{"status"})

	r.IncidentsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_incidents_opened_total",
		Help: "Incidents opened by type",
	}, []string{"type"})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_api_requests_total",
		Help: "API requests by path and status",
	}, []string{"path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	return r
}
