package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	outputsTotal         *prometheus.CounterVec
	sharpenFailuresTotal prometheus.Counter
	decodeErrorsTotal    prometheus.Counter
	encodeErrorsTotal    *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesReadTotal       prometheus.Counter
	bytesWrittenTotal    prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharpscale_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sharpscale_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sharpscale_worker_active_jobs",
			Help: "Current number of active enhance jobs in the worker.",
		}),
		outputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharpscale_worker_outputs_total",
			Help: "Enhanced outputs by upscale factor and result.",
		}, []string{"factor", "result"}),
		sharpenFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharpscale_worker_sharpen_failures_total",
			Help: "Outputs delivered unsharpened because the sharpen stage failed.",
		}),
		decodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharpscale_worker_decode_errors_total",
			Help: "Jobs whose source image could not be decoded.",
		}),
		encodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharpscale_worker_encode_errors_total",
			Help: "Outputs that failed to encode, by failure kind.",
		}, []string{"kind"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharpscale_usage_pixels_processed_total",
			Help: "Total output pixels produced across all completed jobs.",
		}),
		bytesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharpscale_usage_bytes_read_total",
			Help: "Total source bytes read across all completed jobs.",
		}),
		bytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharpscale_usage_bytes_written_total",
			Help: "Total output bytes written across all completed jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharpscale_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across completed jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.outputsTotal,
		m.sharpenFailuresTotal,
		m.decodeErrorsTotal,
		m.encodeErrorsTotal,
		m.pixelsProcessedTotal,
		m.bytesReadTotal,
		m.bytesWrittenTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
