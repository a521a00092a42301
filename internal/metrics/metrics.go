// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry_alert"

// Metrics methods are safe on a nil receiver so callers can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	evaluations          *prometheus.CounterVec
	triggers             *prometheus.CounterVec
	suppressed           *prometheus.CounterVec
	notifications        *prometheus.CounterVec
	notificationDuration *prometheus.HistogramVec
	tickDuration         prometheus.Histogram
	subscribers          prometheus.Gauge
	droppedClients       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by result (match, no_match, error).",
		}, []string{"result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alert events produced, by severity.",
		}, []string{"severity"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Matches that did not trigger, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Channel deliveries by channel and status.",
		}, []string{"channel", "status"}),
		notificationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_duration_seconds",
			Help:      "Time spent delivering to a channel, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_tick_duration_seconds",
			Help:      "Wall time of one evaluation tick over all active rules.",
			Buckets:   prometheus.DefBuckets,
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Clients currently subscribed to monitoring pushes.",
		}),
		droppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_clients_total",
			Help:      "Clients disconnected because they could not keep up.",
		}),
	}
	m.Registry.MustRegister(
		m.evaluations,
		m.triggers,
		m.suppressed,
		m.notifications,
		m.notificationDuration,
		m.tickDuration,
		m.subscribers,
		m.droppedClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Evaluation(result string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) Triggered(severity string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(severity).Inc()
}

func (m *Metrics) Suppressed(reason string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Notification(channel string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.notifications.WithLabelValues(channel, status).Inc()
	m.notificationDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) ClientDropped() {
	if m == nil {
		return
	}
	m.droppedClients.Inc()
}
