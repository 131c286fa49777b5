package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomnode"

// Prometheus implements Recorder using Prometheus collectors.
type Prometheus struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	ignored         *prometheus.CounterVec
	state           *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	configRequests  prometheus.Counter
	heartbeats      prometheus.Counter
	browses         prometheus.Counter
	fallbacks       prometheus.Counter
	badEvents       *prometheus.CounterVec
	countdown       *prometheus.CounterVec
	publishes       *prometheus.CounterVec

	lastState string
}

// NewPrometheus creates the collectors on a private registry.
func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State machine transitions",
		}, []string{"from", "to", "trigger"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_ignored_total",
			Help:      "Triggers that had no transition from the current state",
		}, []string{"state", "trigger"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current state machine state (1 for the active state)",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Server connection attempts",
		}, []string{"result"}),
		configRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_requests_total",
			Help:      "Configuration requests published",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats published",
		}),
		browses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_browses_total",
			Help:      "Service discovery browses started",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_fallbacks_total",
			Help:      "Times the fallback server address was used",
		}),
		badEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_events_total",
			Help:      "Bad events raised",
		}, []string{"reason"}),
		countdown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "countdown_events_total",
			Help:      "Game countdown events",
		}, []string{"event"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Messages published to the server",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.ignored,
		m.state,
		m.connectAttempts,
		m.configRequests,
		m.heartbeats,
		m.browses,
		m.fallbacks,
		m.badEvents,
		m.countdown,
		m.publishes,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordTransition is only called from the state machine's dispatcher, so lastState
// needs no locking.
func (m *Prometheus) RecordTransition(from, to, trigger string) {
	m.transitions.WithLabelValues(from, to, trigger).Inc()
	if m.lastState != "" {
		m.state.WithLabelValues(m.lastState).Set(0)
	}
	m.state.WithLabelValues(to).Set(1)
	m.lastState = to
}

func (m *Prometheus) RecordTriggerIgnored(state, trigger string) {
	m.ignored.WithLabelValues(state, trigger).Inc()
}

func (m *Prometheus) RecordConnectAttempt(success bool) {
	m.connectAttempts.WithLabelValues(result(success)).Inc()
}

func (m *Prometheus) RecordConfigRequest() { m.configRequests.Inc() }
func (m *Prometheus) RecordHeartbeat()     { m.heartbeats.Inc() }
func (m *Prometheus) RecordBrowse()        { m.browses.Inc() }
func (m *Prometheus) RecordFallback()      { m.fallbacks.Inc() }

func (m *Prometheus) RecordBadEvent(reason string) {
	m.badEvents.WithLabelValues(reason).Inc()
}

func (m *Prometheus) RecordCountdown(event string) {
	m.countdown.WithLabelValues(event).Inc()
}

func (m *Prometheus) RecordPublish(kind string, success bool) {
	m.publishes.WithLabelValues(kind, result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
