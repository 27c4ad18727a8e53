package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRuns counts finished pipeline runs by operation and result.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipmux",
		Name:      "pipeline_runs_total",
		Help:      "Total pipeline runs by operation and result",
	}, []string{"op", "result"})

	// PipelineDuration tracks wall time of whole pipeline runs.
	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipmux",
		Name:      "pipeline_duration_seconds",
		Help:      "Duration of pipeline runs",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2.0, 12), // 0.5s to ~17min
	}, []string{"op"})

	// PipelineInFlight is the number of runs currently executing.
	PipelineInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clipmux",
		Name:      "pipeline_in_flight",
		Help:      "Pipeline runs currently executing",
	}, []string{"op"})

	// StageFailures counts failures by the stage they happened in.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipmux",
		Name:      "pipeline_stage_failures_total",
		Help:      "Pipeline failures by operation and stage",
	}, []string{"op", "stage"})

	// ScratchFilesDeleted counts scratch files released at the end of runs.
	ScratchFilesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipmux",
		Name:      "scratch_files_deleted_total",
		Help:      "Scratch files targeted for deletion after pipeline runs",
	})
)
