package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ConnectorService is the health service name reporting whether the
// connector holds a Salesforce session.
const ConnectorService = "salesforce.Connector"

type AuthSource interface {
	IsAuthenticated() bool
}

func rateLimitingInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return handler(ctx, req)
	}
}

// Server exposes gRPC health and reflection.
type Server struct {
	*grpc.Server
	Health *health.Server
}

func NewServer(rps float64, burst int) *Server {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			rateLimitingInterceptor(rate.NewLimiter(rate.Limit(rps), burst)),
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ConnectorService, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(server)

	return &Server{Server: server, Health: healthServer}
}

func Listen(grpcPort string) (net.Listener, error) {
	return net.Listen("tcp", ":"+grpcPort)
}

// SyncHealth sets the connector service status from src.
func (s *Server) SyncHealth(src AuthSource) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if src.IsAuthenticated() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.Health.SetServingStatus(ConnectorService, st)
}

// WatchHealth calls SyncHealth every interval until ctx ends.
func (s *Server) WatchHealth(ctx context.Context, src AuthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.SyncHealth(src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncHealth(src)
		}
	}
}

// Stop shuts the server down, gracefully unless ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	s.Health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Server.Stop()
	}
}
