// Package metrics exposes the service's Prometheus collectors. All Record
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ivr"

type Metrics struct {
	registry *prometheus.Registry

	EventsReceived   *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	StreamReconnects prometheus.Counter
	StreamConnected  prometheus.Gauge
	ActiveSessions   prometheus.Gauge
	Digits           *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	Discarded        *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events decoded from the switch event stream, by type.",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_decode_errors_total",
			Help:      "Malformed event frames dropped.",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Event stream disconnections followed by a reconnect attempt.",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while the event stream is connected.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Calls currently tracked by the session registry.",
		}),
		Digits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digits_total",
			Help:      "DTMF digits processed, by navigation outcome.",
		}, []string{"outcome"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_actions_total",
			Help:      "Control API actions, by action and result.",
		}, []string{"action", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Step-transition notifications, by result.",
		}, []string{"result"}),
		Discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_total",
			Help:      "Work items dropped at shutdown, by stage.",
		}, []string{"stage"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent handling one event, by type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.EventsReceived,
		m.DecodeErrors,
		m.StreamReconnects,
		m.StreamConnected,
		m.ActiveSessions,
		m.Digits,
		m.Actions,
		m.Notifications,
		m.Discarded,
		m.DispatchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) RecordStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RecordDigit(outcome string) {
	if m == nil {
		return
	}
	m.Digits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAction(action string, ok bool) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, result(ok)).Inc()
}

func (m *Metrics) RecordNotification(ok bool) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) RecordDiscarded(stage string) {
	if m == nil {
		return
	}
	m.Discarded.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveDispatch(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
