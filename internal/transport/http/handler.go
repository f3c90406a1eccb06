package http

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/salesforce-connector/internal/app/connector"
	"github.com/salesforce-connector/pkg/logger"
)

// Connector is the part of the connector the HTTP surface needs.
type Connector interface {
	http.Handler
	AuthState() connector.AuthState
	NeedsCallback() bool
}

type Handler struct {
	conn     Connector
	gatherer prometheus.Gatherer
}

func NewHandler(conn Connector, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		conn:     conn,
		gatherer: gatherer,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Ready answers 200 once the connector holds a session and 503 before.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.conn.AuthState()
	status := http.StatusServiceUnavailable
	if state == connector.StateAuthenticated {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"state": state.String()})
}

func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	logger.Info().Str("path", r.URL.Path).Msg("Received OAuth callback request")
	h.conn.ServeHTTP(w, r)
}

func (h *Handler) Metrics() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}
