package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the connector's Prometheus collectors. It is created per
// connector and registered on the registerer the host passes in.
type Recorder struct {
	// AuthCallbacks counts OAuth callbacks by outcome (success, bad_request, error)
	AuthCallbacks *prometheus.CounterVec

	// TokenRefreshes counts access-token refreshes written to the vault by status
	TokenRefreshes *prometheus.CounterVec

	// TopicsReconciled counts PushTopic upserts by action (create, update) and status
	TopicsReconciled *prometheus.CounterVec

	// ActiveSubscriptions tracks streaming subscriptions currently bound
	ActiveSubscriptions prometheus.Gauge

	// EventsDispatched counts inbound notifications by topic
	EventsDispatched *prometheus.CounterVec

	// HandlerErrors counts handler failures (errors and panics) by topic
	HandlerErrors *prometheus.CounterVec

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		AuthCallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salesforce_auth_callbacks_total",
				Help: "OAuth callbacks handled by outcome",
			},
			[]string{"outcome"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salesforce_token_refreshes_total",
				Help: "Access token refreshes persisted by status",
			},
			[]string{"status"},
		),
		TopicsReconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salesforce_push_topics_reconciled_total",
				Help: "PushTopic upserts by action and status",
			},
			[]string{"action", "status"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "salesforce_streaming_subscriptions",
				Help: "Streaming subscriptions currently bound",
			},
		),
		EventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salesforce_events_dispatched_total",
				Help: "Streaming notifications dispatched by topic",
			},
			[]string{"topic"},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salesforce_event_handler_errors_total",
				Help: "Event handler failures by topic",
			},
			[]string{"topic"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "salesforce_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			r.AuthCallbacks,
			r.TokenRefreshes,
			r.TopicsReconciled,
			r.ActiveSubscriptions,
			r.EventsDispatched,
			r.HandlerErrors,
			r.CircuitBreakerState,
		)
	}
	return r
}

// Nop returns a recorder whose collectors are not registered anywhere.
func Nop() *Recorder {
	return New(nil)
}

func (r *Recorder) BreakerStateChanged(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	r.CircuitBreakerState.WithLabelValues(name).Set(v)
}
