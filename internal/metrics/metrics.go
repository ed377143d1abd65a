// Package metrics defines the prometheus instruments shared by the chat client
// and the relay. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

type Metrics struct {
	gatherer prometheus.Gatherer

	insertsApplied     prometheus.Counter
	duplicatesAbsorbed prometheus.Counter
	sends              *prometheus.CounterVec
	rollbacks          prometheus.Counter
	reconnects         prometheus.Counter
	sessionState       *prometheus.GaugeVec
	online             prometheus.Gauge

	relayConnections prometheus.Gauge
	relayBroadcasts  *prometheus.CounterVec
	relayRejected    *prometheus.CounterVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

// NewWith registers all instruments on reg and serves them from gatherer.
func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		insertsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "inserts_applied_total",
			Help: "Remote inserts added to the message log.",
		}),
		duplicatesAbsorbed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "duplicates_absorbed_total",
			Help: "Inserts dropped because their id was already in the log.",
		}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "sends_total",
			Help: "Durable write outcomes for locally sent messages.",
		}, []string{"result"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "rollbacks_total",
			Help: "Optimistic entries removed after a failed write.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "reconnects_total",
			Help: "Transitions from Live to Reconnecting.",
		}),
		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "state",
			Help: "1 for the current channel session state, 0 otherwise.",
		}, []string{"state"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "presence", Name: "online",
			Help: "Participants currently shown as online.",
		}),
		relayConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "connections",
			Help: "Open realtime connections.",
		}),
		relayBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "broadcasts_total",
			Help: "Frames fanned out to topic members.",
		}, []string{"event"}),
		relayRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "rejected_total",
			Help: "Requests rejected before reaching a handler.",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) InsertApplied() {
	if m == nil {
		return
	}
	m.insertsApplied.Inc()
}

func (m *Metrics) DuplicateAbsorbed() {
	if m == nil {
		return
	}
	m.duplicatesAbsorbed.Inc()
}

// SendResult records a send outcome ("ok" or "failed").
func (m *Metrics) SendResult(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SessionState sets the gauge for current to 1 and previous to 0.
func (m *Metrics) SessionState(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.sessionState.WithLabelValues(previous).Set(0)
	}
	m.sessionState.WithLabelValues(current).Set(1)
}

func (m *Metrics) Online(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *Metrics) RelayConnections(n int) {
	if m == nil {
		return
	}
	m.relayConnections.Set(float64(n))
}

func (m *Metrics) RelayBroadcast(event string) {
	if m == nil {
		return
	}
	m.relayBroadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) RelayRejected(reason string) {
	if m == nil {
		return
	}
	m.relayRejected.WithLabelValues(reason).Inc()
}
