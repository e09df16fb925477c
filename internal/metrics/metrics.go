// Package metrics defines the Prometheus instrumentation for the
// transcription pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the pipeline.
type Metrics struct {
	ChunksReceived  prometheus.Counter
	ChunksRejected  *prometheus.CounterVec
	ChunksRepaired  prometheus.Counter
	QueueDepth      prometheus.Gauge
	JobsSucceeded   prometheus.Counter
	JobsFailed      prometheus.Counter
	JobsRetried     prometheus.Counter
	JobsStale       prometheus.Counter
	RateLimitEvents prometheus.Counter
	ProviderLatency *prometheus.HistogramVec
	TranscodeStages *prometheus.CounterVec
	Subscribers     prometheus.Gauge
	BacklogAlerts   prometheus.Counter
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	return &Metrics{
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_chunks_received_total",
			Help: "Total audio chunks accepted at ingestion",
		}),
		ChunksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_chunks_rejected_total",
			Help: "Chunks rejected at ingestion, by reason",
		}, []string{"reason"}),
		ChunksRepaired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_chunks_repaired_total",
			Help: "Chunks that had a header template spliced on",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_queue_depth",
			Help: "Transcription jobs queued but not yet processed",
		}),
		JobsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_jobs_succeeded_total",
			Help: "Jobs that produced a persisted segment",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_jobs_failed_total",
			Help: "Jobs marked permanently failed",
		}),
		JobsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_jobs_retried_total",
			Help: "Jobs requeued at high priority after a failure",
		}),
		JobsStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_jobs_stale_dropped_total",
			Help: "Jobs dropped unprocessed for exceeding the staleness threshold",
		}),
		RateLimitEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_rate_limit_events_total",
			Help: "Rate-limit signals received from providers",
		}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_provider_latency_seconds",
			Help:    "Provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		TranscodeStages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_transcode_stages_total",
			Help: "Transcoder ladder stage outcomes",
		}, []string{"outcome"}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_live_subscribers",
			Help: "Currently connected transcript subscribers",
		}),
		BacklogAlerts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_backlog_alerts_total",
			Help: "Backlog alerts emitted by the queue monitor",
		}),
	}
}
