package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/types"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_workers_total",
			Help: "Number of workers by status",
		},
		[]string{"status"},
	)

	DemandTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_demand_tasks",
			Help: "Dispatchable queued tasks observed this cycle",
		},
	)

	DemandDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_demand_degraded",
			Help: "Whether the demand signal came from the raw-count fallback (1 = degraded)",
		},
	)

	DesiredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_desired_workers",
			Help: "Desired fleet size after clamping",
		},
	)

	ScalingDelta = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_scaling_delta",
			Help: "Workers to add (positive) or remove (negative) this cycle",
		},
	)

	FailureRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_spawn_failure_rate",
			Help: "Trailing-window worker failure rate, -1 when undefined",
		},
	)

	// Action counters
	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_workers_spawned_total",
			Help: "Total workers provisioned",
		},
	)

	WorkersTerminated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_workers_terminated_total",
			Help: "Total workers terminated",
		},
	)

	WorkersPromoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_workers_promoted_total",
			Help: "Total workers promoted from spawning to active",
		},
	)

	WorkersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_workers_failed_total",
			Help: "Total workers moved to error",
		},
	)

	TasksReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_tasks_reset_total",
			Help: "Total orphaned tasks requeued",
		},
	)

	ScaleUpsBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_scale_ups_blocked_total",
			Help: "Scale-ups suppressed by a safety rule, by reason",
		},
		[]string{"reason"},
	)

	// Cycle metrics
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_cycles_total",
			Help: "Total control cycles completed",
		},
	)

	CycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_cycle_errors_total",
			Help: "Total non-fatal errors recorded across cycles",
		},
	)

	CyclesTruncated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_cycles_truncated_total",
			Help: "Cycles cut short by the per-cycle deadline",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_cycle_duration_seconds",
			Help:    "Control cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(DemandTasks)
	prometheus.MustRegister(DemandDegraded)
	prometheus.MustRegister(DesiredWorkers)
	prometheus.MustRegister(ScalingDelta)
	prometheus.MustRegister(FailureRate)
	prometheus.MustRegister(WorkersSpawned)
	prometheus.MustRegister(WorkersTerminated)
	prometheus.MustRegister(WorkersPromoted)
	prometheus.MustRegister(WorkersFailed)
	prometheus.MustRegister(TasksReset)
	prometheus.MustRegister(ScaleUpsBlocked)
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CycleErrors)
	prometheus.MustRegister(CyclesTruncated)
	prometheus.MustRegister(CycleDuration)
}

// RecordCycle publishes one finished cycle record.
func RecordCycle(rec *types.CycleRecord) {
	WorkersTotal.WithLabelValues(string(types.WorkerStatusActive)).Set(float64(rec.NActive))
	WorkersTotal.WithLabelValues(string(types.WorkerStatusSpawning)).Set(float64(rec.NSpawning))
	WorkersTotal.WithLabelValues(string(types.WorkerStatusError)).Set(float64(rec.NError))
	WorkersTotal.WithLabelValues(string(types.WorkerStatusTerminating)).Set(float64(rec.NTerminating))

	DemandTasks.Set(float64(rec.Demand))
	if rec.DegradedDemand {
		DemandDegraded.Set(1)
	} else {
		DemandDegraded.Set(0)
	}
	DesiredWorkers.Set(float64(rec.Desired))
	ScalingDelta.Set(float64(rec.Delta))
	if rec.FailureRate != nil {
		FailureRate.Set(*rec.FailureRate)
	} else {
		FailureRate.Set(-1)
	}

	WorkersSpawned.Add(float64(rec.WorkersSpawned))
	WorkersTerminated.Add(float64(rec.WorkersTerminated))
	WorkersPromoted.Add(float64(rec.WorkersPromoted))
	WorkersFailed.Add(float64(rec.WorkersFailed))
	TasksReset.Add(float64(rec.TasksReset))
	if rec.ScaleUpBlocked != "" {
		ScaleUpsBlocked.WithLabelValues(rec.ScaleUpBlocked).Inc()
	}

	CyclesTotal.Inc()
	CycleErrors.Add(float64(len(rec.Errors)))
	if rec.Truncated {
		CyclesTruncated.Inc()
	}
	CycleDuration.Observe(rec.DurationSeconds)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on addr in the background. Listen errors
// are logged, not fatal; the control loop runs fine without scrape.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("metrics").Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
