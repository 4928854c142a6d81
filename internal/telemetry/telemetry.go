package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks task-level counters both as prometheus series and as an
// in-process snapshot for quick inspection without scraping.
type Metrics struct {
	registry *prometheus.Registry

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	mu       sync.Mutex
	started  map[string]int64
	finished map[string]int64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videomuse",
			Name:      "tasks_started_total",
			Help:      "Research tasks started, by execution mode.",
		}, []string{"mode"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videomuse",
			Name:      "tasks_finished_total",
			Help:      "Research tasks finished, by mode and terminal status.",
		}, []string{"mode", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "videomuse",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"mode"}),
		started:  make(map[string]int64),
		finished: make(map[string]int64),
	}
	m.registry.MustRegister(m.tasksStarted, m.tasksFinished, m.taskDuration)
	return m
}

func (m *Metrics) TaskStarted(mode string) {
	m.tasksStarted.WithLabelValues(mode).Inc()
	m.mu.Lock()
	m.started[mode]++
	m.mu.Unlock()
}

func (m *Metrics) TaskFinished(mode, status string, d time.Duration) {
	m.tasksFinished.WithLabelValues(mode, status).Inc()
	m.taskDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.mu.Lock()
	m.finished[mode+"/"+status]++
	m.mu.Unlock()
}

// Snapshot returns the in-process counters, keyed by mode for starts and
// mode/status for finishes.
func (m *Metrics) Snapshot() (started, finished map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started = make(map[string]int64, len(m.started))
	for k, v := range m.started {
		started[k] = v
	}
	finished = make(map[string]int64, len(m.finished))
	for k, v := range m.finished {
		finished[k] = v
	}
	return started, finished
}

// Handler serves the prometheus exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
