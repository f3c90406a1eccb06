package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/salesforce-connector/internal/app/connector"
)

type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func NewRouter(conn Connector, gatherer prometheus.Gatherer) *http.ServeMux {
	handler := NewHandler(conn, gatherer)
	mux := http.NewServeMux()

	// Connectors running on pre-issued tokens never complete an OAuth flow.
	if conn.NeedsCallback() {
		mux.HandleFunc("GET "+connector.AuthPath, handler.OAuthCallback)
	}
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /ready", handler.Ready)
	mux.Handle("GET /metrics", handler.Metrics())

	return mux
}

func NewHTTPServer(conn Connector, gatherer prometheus.Gatherer, cfg ServerConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(conn, gatherer),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
