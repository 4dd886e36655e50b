package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the agent's counters. One instance is registered per
// process and threaded through the orchestrator.
type Pipeline struct {
	BatchesCreated  prometheus.Counter
	EventsProcessed prometheus.Counter
	MalformedEvents prometheus.Counter
	MintsSucceeded  prometheus.Counter
	MintsFailed     prometheus.Counter
	UploadsFailed   prometheus.Counter
	EmptyReads      prometheus.Counter
	LastBatchAt     prometheus.Gauge
	PendingEvents   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		BatchesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_batches_created_total",
			Help: "Batches sealed and committed.",
		}),
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_events_processed_total",
			Help: "CDC events consumed from the broker.",
		}),
		MalformedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_malformed_events_total",
			Help: "Events dropped because the envelope could not be parsed.",
		}),
		MintsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_mints_succeeded_total",
			Help: "Successful token mints, including already-minted replays.",
		}),
		MintsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_mints_failed_total",
			Help: "Mint attempts exhausted without success.",
		}),
		UploadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_uploads_failed_total",
			Help: "Artifact uploads that failed and were cleaned up.",
		}),
		EmptyReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "etrap_empty_reads_total",
			Help: "Blocking reads that returned no entries.",
		}),
		LastBatchAt: factory.NewGauge(prometheus.GaugeOpts{
			Name: "etrap_last_batch_timestamp_seconds",
			Help: "Unix time of the last committed batch.",
		}),
		PendingEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "etrap_pending_events",
			Help: "Events buffered but not yet sealed.",
		}),
	}
}
