package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebu_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	ContainersByPlatform = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebu_containers_by_platform",
			Help: "Total number of active containers by platform",
		},
		[]string{"platform"},
	)

	SecretsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebu_secrets_total",
			Help: "Total number of secrets",
		},
	)

	// Reconciler metrics
	ReconcileCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebu_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebu_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebu_reconcile_errors_total",
			Help: "Total number of per-container reconciliation errors by platform",
		},
		[]string{"platform"},
	)

	WatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebu_watch_errors_total",
			Help: "Total number of watch poll errors by platform",
		},
		[]string{"platform"},
	)

	ContainersDeclared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebu_containers_declared_total",
			Help: "Total number of containers declared",
		},
	)

	ContainersUnschedulable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebu_containers_unschedulable_total",
			Help: "Total number of placements that found no capacity",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebu_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebu_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainersByPlatform)
	prometheus.MustRegister(SecretsTotal)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(WatchErrors)
	prometheus.MustRegister(ContainersDeclared)
	prometheus.MustRegister(ContainersUnschedulable)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
