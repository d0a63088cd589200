// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/leak-scanner/internal/model"
)

const namespace = "leakscan"

type Metrics struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	findings  prometheus.Counter
	duration  *prometheus.HistogramVec
	running   prometheus.Gauge
	waiting   prometheus.Gauge
}

// New registers every collector on a private registry. Runtime collectors
// are optional so tests can compare exact output.
func New(enableRuntimeMetrics bool) *Metrics {
	reg := prometheus.NewRegistry()
	if enableRuntimeMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(collectors.NewGoCollector())
	}

	m := &Metrics{
		registry: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_submitted_total",
			Help:      "Scans accepted, by repository.",
		}, []string{"repo"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal status.",
		}, []string{"status"}),
		findings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings reported by completed scans.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time from pool slot to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_running",
			Help:      "Scans holding a pool slot.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_waiting",
			Help:      "Scans waiting for a pool slot.",
		}),
	}
	reg.MustRegister(m.submitted, m.finished, m.findings, m.duration, m.running, m.waiting)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScanSubmitted(repo string) { m.submitted.WithLabelValues(repo).Inc() }

func (m *Metrics) ScanWaiting(delta float64) { m.waiting.Add(delta) }

func (m *Metrics) ScanRunning(delta float64) { m.running.Add(delta) }

func (m *Metrics) ScanFinished(r model.ScanResult, elapsed time.Duration) {
	status := string(r.Status)
	m.finished.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(elapsed.Seconds())
	if r.Status == model.StatusCompleted {
		m.findings.Add(float64(r.FindingsCount))
	}
}
