// Package metrics provides Prometheus metrics for the fleet daemon.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Cron job metrics.
	JobDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "cron",
		Name:      "job_duration_seconds",
		Help:      "Duration of the last run of each job.",
	}, []string{"job"})
	JobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "cron",
		Name:      "job_errors_total",
		Help:      "Total job runs that returned an error.",
	}, []string{"job"})
	TickTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "cron",
		Name:      "tick_timeouts_total",
		Help:      "Total ticks abandoned after the sequence timeout.",
	})

	// Log ingestion metrics.
	LogLinesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "log",
		Name:      "lines_processed_total",
		Help:      "Access-log lines consumed, per cursor.",
	}, []string{"cursor"})

	// Abuse detection metrics.
	FlaggedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "abuse",
		Name:      "flagged_users",
		Help:      "Users currently flagged for multi-IP abuse.",
	})

	// Node sync metrics.
	SyncRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Transaction records reconciled, by action.",
	}, []string{"action"}) // "inserted", "removed", "modified"
	SyncPeerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "sync",
		Name:      "peer_errors_total",
		Help:      "Failed peer calls, per node.",
	}, []string{"node"})

	// Traffic accounting metrics.
	TrafficBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "traffic",
		Name:      "bytes_total",
		Help:      "Traffic accumulated into the ledger, by direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		JobDuration,
		JobErrors,
		TickTimeouts,

		LogLinesProcessed,

		FlaggedUsers,

		SyncRecords,
		SyncPeerErrors,

		TrafficBytes,
	)
}
