package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsClaimed,
		jobsFinished,
		staleRequeued,
		providerCallSeconds,
		brokerDeliveries,
		promptLayerSaves,
	)
}

var (
	jobsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyreel_jobs_claimed_total",
			Help: "Jobs moved from queued to processing, per job type and backend.",
		},
		[]string{"job_type", "backend"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyreel_jobs_finished_total",
			Help: "Jobs that reached a terminal state.",
		},
		[]string{"job_type", "status"},
	)

	staleRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyreel_stale_requeued_total",
			Help: "Processing jobs returned to queued by the reclaimer.",
		},
		[]string{"job_type"},
	)

	providerCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyreel_provider_call_seconds",
			Help:    "Latency of video generation provider calls.",
			Buckets: []float64{5, 15, 30, 60, 120, 240, 480},
		},
		[]string{"provider", "success"},
	)

	brokerDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyreel_broker_deliveries_total",
			Help: "Broker messages handled, by outcome (acked, conflict, deferred, pending).",
		},
		[]string{"job_type", "outcome"},
	)

	promptLayerSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyreel_prompt_layer_saves_total",
			Help: "Prompt layer versions written, per source.",
		},
		[]string{"source"},
	)
)

func JobClaimed(jobType, backend string) {
	jobsClaimed.WithLabelValues(norm(jobType), norm(backend)).Inc()
}

func JobFinished(jobType, status string) {
	jobsFinished.WithLabelValues(norm(jobType), norm(status)).Inc()
}

func StaleRequeued(jobType string, n int) {
	if n > 0 {
		staleRequeued.WithLabelValues(norm(jobType)).Add(float64(n))
	}
}

func ObserveProviderCall(provider string, elapsed time.Duration, success bool) {
	providerCallSeconds.WithLabelValues(norm(provider), strconv.FormatBool(success)).Observe(elapsed.Seconds())
}

func BrokerDelivery(jobType, outcome string) {
	brokerDeliveries.WithLabelValues(norm(jobType), norm(outcome)).Inc()
}

func PromptLayerSaved(source string) {
	promptLayerSaves.WithLabelValues(norm(source)).Inc()
}
