package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mohammad-safakhou/askbase/internal/engine"
)

var (
	// Orchestration metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askbase_runs_started_total",
			Help: "Total number of orchestration runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askbase_runs_completed_total",
			Help: "Total number of orchestration runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askbase_run_duration_seconds",
			Help:    "Orchestration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askbase_run_iterations",
			Help:    "Search iterations used per run",
			Buckets: []float64{1, 2, 3},
		},
	)

	RunCitations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askbase_run_citations",
			Help:    "Citations attached to the final answer",
			Buckets: []float64{0, 1, 2, 4, 6, 8, 10, 15, 20},
		},
	)

	// Search stage metrics
	StagesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askbase_search_stages_total",
			Help: "Total number of search stages executed",
		},
		[]string{"origin", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askbase_search_stage_duration_seconds",
			Help:    "Search stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		},
		[]string{"origin"},
	)

	StageResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askbase_search_stage_results",
			Help:    "Raw results returned per search stage",
			Buckets: []float64{0, 1, 5, 10, 20, 50},
		},
		[]string{"origin"},
	)
)

// StageHooks adapts the stage metrics to the engine callback interface.
func StageHooks() engine.StageHooks {
	return engine.StageHooks{
		OnStageComplete: func(stage engine.SearchStage, resultCount int) {
			origin := stage.OriginLabel()
			StagesExecuted.WithLabelValues(origin, "completed").Inc()
			StageDuration.WithLabelValues(origin).Observe(stage.Duration().Seconds())
			StageResults.WithLabelValues(origin).Observe(float64(resultCount))
		},
		OnStageFail: func(stage engine.SearchStage, err error) {
			StagesExecuted.WithLabelValues(stage.OriginLabel(), "failed").Inc()
		},
	}
}

// ObserveRun records run-level metrics for one orchestration result.
func ObserveRun(res engine.OrchestrationResult, elapsed time.Duration) {
	status := "ok"
	if res.Degraded {
		status = "degraded"
	}
	RunsCompleted.WithLabelValues(status).Inc()
	RunDuration.Observe(elapsed.Seconds())
	RunIterations.Observe(float64(res.IterationsUsed))
	RunCitations.Observe(float64(len(res.Citations)))
}
