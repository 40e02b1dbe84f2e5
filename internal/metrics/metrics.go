// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncRunsTotal counts terminal sync run outcomes by status.
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kova_sync_runs_total",
			Help: "Total number of completed repository sync runs.",
		},
		[]string{"status"},
	)

	// WebhookEventsTotal counts inbound webhook outcomes.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kova_webhook_events_total",
			Help: "Total number of inbound webhook deliveries by outcome.",
		},
		[]string{"event", "outcome"},
	)

	// AnalysisCallsTotal counts analysis adapter calls.
	AnalysisCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kova_analysis_calls_total",
			Help: "Total number of analysis service calls by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(SyncRunsTotal)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(AnalysisCallsTotal)
}

// Handler returns the prometheus exposition handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
