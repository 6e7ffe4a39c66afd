package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	orphanRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketsettle",
		Subsystem: "reconciliation",
		Name:      "orphan_recoveries_total",
		Help:      "Orphan trade recovery attempts by result.",
	}, []string{"result"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketsettle",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketsettle",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that ended in an error.",
	})
)

func init() {
	prometheus.MustRegister(orphanRecoveries, runDuration, runErrors)
}
