package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snowmerak/polychat/lib/instruction"
)

// Request outcomes recorded in polychat_requests_total.
const (
	outcomeOK       = "ok"
	outcomeCanceled = "canceled"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	stateTransitions   *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	protocolViolations prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "requests_total",
			Help:      "Requests issued to plugins by operation and outcome.",
		}, []string{"op", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polychat",
			Name:      "request_duration_seconds",
			Help:      "Time from issuing a request to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "state_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polychat",
			Name:      "active_sessions",
			Help:      "Sessions registered and not yet terminal.",
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "protocol_violations_total",
			Help:      "Protocol violations detected across all sessions.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{
		m.requests, m.requestDuration, m.stateTransitions, m.activeSessions, m.protocolViolations,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRequest(op instruction.Operation, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeCanceled
		if kind := KindOf(err); kind != nil {
			outcome = kindLabel(kind)
		}
	}
	m.requests.WithLabelValues(string(op), outcome).Inc()
	m.requestDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeTransition(to State) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) sessionAdded() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) sessionRemoved() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) observeViolation() {
	if m == nil {
		return
	}
	m.protocolViolations.Inc()
}

func kindLabel(kind *ErrorKind) string {
	switch kind {
	case UnknownPlugin:
		return "unknown_plugin"
	case SessionNotReady:
		return "not_ready"
	case Timeout:
		return "timeout"
	case ProtocolViolation:
		return "protocol_violation"
	case TransportFailure:
		return "transport_failure"
	case PluginReportedError:
		return "plugin_error"
	case Unsupported:
		return "unsupported"
	case SessionClosed:
		return "closed"
	default:
		return "error"
	}
}
