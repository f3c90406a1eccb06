package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/salesforce-connector/internal/app/config"
	"github.com/salesforce-connector/internal/app/connector"
	"github.com/salesforce-connector/internal/app/setup"
	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/infrastructure/browser"
	"github.com/salesforce-connector/internal/metrics"
	grpcTransport "github.com/salesforce-connector/internal/transport/grpc"
	httpTransport "github.com/salesforce-connector/internal/transport/http"
	"github.com/salesforce-connector/pkg/logger"
	"github.com/salesforce-connector/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "salesforce-connector", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}

	res, err := setup.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer res.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(reg)

	conn, err := setup.NewConnector(cfg, res, recorder, browser.NewOpener())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create connector")
	}

	for _, query := range cfg.Queries {
		event, err := conn.On(query, logEvent, "")
		if err != nil {
			logger.Fatal().Err(err).Str("query", query).Msg("invalid query")
		}
		logger.Info().Str("id", event.ID).Str("topic", event.TopicName).Msg("Registered event")
	}

	httpServer := httpTransport.NewHTTPServer(conn, reg, httpTransport.ServerConfig{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	})
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	grpcServer := grpcTransport.NewServer(cfg.RateLimitRPS, cfg.RateLimitBurst)
	lis, err := grpcTransport.Listen(cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			logger.WithError(err).Msg("gRPC server stopped")
		}
	}()
	go grpcServer.WatchHealth(ctx, conn, 5*time.Second)

	if err := conn.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start connector")
	}

	if conn.NeedsCallback() {
		go authenticate(ctx, conn)
	} else {
		logger.Info().Msg("Using pre-issued tokens; OAuth callback disabled")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	grpcServer.Stop(shutdownCtx)
	if err := conn.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Connector shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Tracing shutdown")
	}
}

func logEvent(_ context.Context, msg domain.Message) error {
	logger.Info().
		Str("topic", msg.Topic).
		RawJSON("payload", msg.Payload).
		Msg("Received event")
	return nil
}

func authenticate(ctx context.Context, conn *connector.Connector) {
	err := conn.Authenticate(ctx)
	switch {
	case err == nil:
		logger.Info().Msg("Authenticated with Salesforce")
	case errors.Is(err, connector.ErrAlreadyAuthenticated):
	case ctx.Err() != nil:
	default:
		logger.Error().Err(err).Msg("Authentication failed")
	}
}
