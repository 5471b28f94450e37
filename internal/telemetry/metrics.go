package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AuditsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_created_total", Help: "Express audits created"})
	AuditsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_completed_total", Help: "Audits that finished with a score"})
	AuditsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_failed_total", Help: "Audits aborted by infrastructure errors or timeout"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_rate_limit_rejects_total", Help: "Create requests rejected by the rate limiter"})

	StageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "audit_stage_outcomes_total", Help: "Stage results by stage and outcome"},
		[]string{"stage", "outcome"},
	)
	RegistryAttempts = prometheus.NewCounter(prometheus.CounterOpts{Name: "registry_lookup_attempts_total", Help: "RKN registry lookup attempts, including retries"})
	RegistryResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "registry_lookup_results_total", Help: "RKN registry lookup results by status"},
		[]string{"status"},
	)

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_queue_depth", Help: "Audits waiting to run"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_inflight", Help: "Audits currently leased by workers"})

	AuditDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_duration_seconds",
		Help:    "Wall time of a full audit pipeline run",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AuditsCreated,
			AuditsCompleted,
			AuditsFailed,
			RateLimitRejects,
			StageOutcomes,
			RegistryAttempts,
			RegistryResults,
			QueueDepthGauge,
			InFlightGauge,
			AuditDuration,
		)
	})
	return promhttp.Handler()
}
