package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EngineTasksPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trl_engine_tasks_pushed_total",
			Help: "Tasks pushed onto a job's redis task queue",
		},
		[]string{"job"},
	)
	EngineTasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trl_engine_tasks_finished_total",
			Help: "Results read back from a job's redis results queue",
		},
		[]string{"job"},
	)
	EngineTasksRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trl_engine_tasks_requeued_total",
			Help: "Tasks requeued after exceeding the processing timeout",
		},
		[]string{"job"},
	)
	RolloutStoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trl_rollout_store_elements",
			Help: "Experience elements currently held by the rollout store",
		},
	)
	BatchesCollated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trl_loader_batches_total",
			Help: "Batches produced by a loader",
		},
		[]string{"loader"},
	)
	CollationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trl_loader_collation_errors_total",
			Help: "Batches that failed to collate",
		},
		[]string{"loader"},
	)
	LearnSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trl_learn_steps_total",
			Help: "Optimization steps taken by a model",
		},
		[]string{"model"},
	)
	TrackerValues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trl_tracker_value",
			Help: "Last value logged to the tracker for each key",
		},
		[]string{"project", "key"},
	)
)

var all = []prometheus.Collector{
	EngineTasksPushed,
	EngineTasksFinished,
	EngineTasksRequeued,
	RolloutStoreSize,
	BatchesCollated,
	CollationErrors,
	LearnSteps,
	TrackerValues,
}

var registerOnce sync.Once

// Register registers every collector with registry. Only the first call has an effect.
func Register(registry prometheus.Registerer) {
	registerOnce.Do(func() {
		for _, c := range all {
			registry.MustRegister(c)
		}
	})
}
