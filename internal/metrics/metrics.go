// Package metrics holds the Prometheus instrumentation for the sync
// pipeline. Collectors register on the default registry; expose them
// via promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pusher pipeline.

	PushesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_pushes_enqueued_total",
		Help: "Total pushes accepted into the work queue",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncbridge_queue_depth",
		Help: "Entries waiting in push work queues across all groups",
	})
	CoalesceBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncbridge_coalesce_batch_size",
		Help:    "Queue entries drained per pipeline iteration",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
	PushDispatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncbridge_push_dispatch_seconds",
		Help:    "Duration of upstream push round-trips",
		Buckets: prometheus.DefBuckets,
	})
	PushUpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_push_upstream_errors_total",
		Help: "Total dispatches that failed on the wire or were rejected upstream",
	})
	CoalesceInvariants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_coalesce_invariant_violations_total",
		Help: "Total push batches dropped because entries for one client disagreed",
	})
	DownstreamMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_downstream_messages_total",
		Help: "Total pushResponse messages delivered to client streams",
	})
	StreamFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_stream_failures_total",
		Help: "Total client streams failed with a fatal push error",
	})
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncbridge_active_streams",
		Help: "Client connections currently registered across all groups",
	})
	ActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncbridge_active_client_groups",
		Help: "Client groups with a running push service",
	})

	// Mutation processor.

	ProcessSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncbridge_push_process_seconds",
		Help:    "Duration of inbound push processing",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})
	MutationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_mutations_applied_total",
		Help: "Total mutations committed, including error-mode commits",
	})
	MutationsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_mutations_skipped_total",
		Help: "Total mutations skipped as already-processed replays",
	})
	MutationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_mutation_errors_total",
		Help: "Total mutation results carrying an error, by kind",
	}, []string{"kind"})

	// Poke fan-out.

	PokesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_pokes_published_total",
		Help: "Total change notifications published after committed pushes",
	})
)
