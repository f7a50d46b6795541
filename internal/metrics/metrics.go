// Package metrics holds the Prometheus collectors for the sandbox service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	SandboxesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fcsandbox_sandboxes_active",
		Help: "Number of live (non-destroyed) sandboxes",
	})

	MemoryReservedMiB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fcsandbox_memory_reserved_mib",
		Help: "Guest memory reserved by live sandboxes",
	})

	SandboxCreateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fcsandbox_sandbox_create_duration_seconds",
		Help:    "Time from create request to agent ready",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	ExecDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fcsandbox_exec_duration_seconds",
		Help:    "Time to execute a command in a sandbox",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
	})

	PauseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fcsandbox_pause_duration_seconds",
		Help:    "Time to pause and snapshot a sandbox",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	ResumeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fcsandbox_resume_duration_seconds",
		Help:    "Time to restore a sandbox from its snapshot",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		SandboxesActive,
		MemoryReservedMiB,
		SandboxCreateDuration,
		ExecDuration,
		PauseDuration,
		ResumeDuration,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
