package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/askarbek/duraq/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duraq",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job creation to worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "duraq",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one handler chunk execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	JobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duraq",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs transitioned pending to running by workers.",
	})

	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duraq",
		Name:      "jobs_processed_total",
		Help:      "Total jobs finalized, by outcome.",
	}, []string{"outcome"})

	WorkersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duraq",
		Name:      "workers_running",
		Help:      "Number of worker loops currently polling.",
	})

	// Rescuer metrics

	RescuerRescuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duraq",
		Name:      "rescuer_rescued_total",
		Help:      "Total stuck running jobs routed through the failure path.",
	})

	RescuerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duraq",
		Name:      "rescuer_cycle_duration_seconds",
		Help:      "Time taken for one rescuer pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// Leader election

	LeaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duraq",
		Name:      "leader_status",
		Help:      "Whether this instance currently holds leadership. 1 = leader.",
	})

	// Periodic engine

	PeriodicFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duraq",
		Name:      "periodic_fired_total",
		Help:      "Total jobs enqueued by periodic definitions, by definition.",
	}, []string{"definition"})

	// Workflow engine

	WorkflowsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duraq",
		Name:      "workflows_started_total",
		Help:      "Total workflow runs started.",
	})

	WorkflowsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duraq",
		Name:      "workflows_finished_total",
		Help:      "Total workflow runs settled, by status.",
	}, []string{"status"})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsClaimedTotal,
		JobsProcessedTotal,
		WorkersRunning,
		RescuerRescuedTotal,
		RescuerCycleDuration,
		LeaderStatus,
		PeriodicFiredTotal,
		WorkflowsStartedTotal,
		WorkflowsFinishedTotal,
	)
}

func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()), http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, result, status)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}
