package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "visionbridge_jobs_submitted_total", Help: "Jobs accepted by POST /predict"})
	JobsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "visionbridge_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "visionbridge_jobs_failed_total", Help: "Jobs that reached failed, by error kind"}, []string{"kind"})
	SubmitRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "visionbridge_submit_rejected_total", Help: "Submissions refused before an id was issued, by error kind"}, []string{"kind"})
	Screenshots    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "visionbridge_screenshots_total", Help: "Screenshot captures by outcome"}, []string{"outcome"})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "visionbridge_jobs_inflight", Help: "Jobs currently running inference"})
	InferenceTime  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "visionbridge_inference_duration_seconds",
		Help:    "Wall time of the external inference process",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			SubmitRejected,
			Screenshots,
			InFlightGauge,
			InferenceTime,
		)
	})
}
