package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "drawings_submitted_total", Help: "Drawings accepted for processing"})
	SubmissionRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "drawings_rejected_total", Help: "Submissions rejected before a task was created"}, []string{"reason"})
	TasksCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Pipelines that produced a delivery item"})
	TasksFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Pipelines that ended in error, by stage"}, []string{"stage"})
	StageDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Wall-clock time spent in each pipeline stage",
		Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})
	PipelinesInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipelines_inflight", Help: "Pipelines currently running"})
	JobPolls           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "external_job_polls_total", Help: "Status queries against the generation service, by outcome"}, []string{"outcome"})
	DeliveryDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "delivery_queue_depth", Help: "Items waiting for the consumer"})
	DeliveriesPulled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_items_pulled_total", Help: "Items handed to the consumer"})
	TasksEvicted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_evicted_total", Help: "Terminal task records removed by the janitor"})
	DeliveryDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_dead_letter_total", Help: "Undecodable delivery items moved to the dead-letter list"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionCounter,
			SubmissionRejects,
			TasksCompleted,
			TasksFailed,
			StageDuration,
			PipelinesInFlight,
			JobPolls,
			DeliveryDepth,
			DeliveriesPulled,
			TasksEvicted,
			DeliveryDeadLetter,
		)
	})
	return promhttp.Handler()
}
