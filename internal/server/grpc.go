package server

import (
	"context"
	"fmt"
	"net"

	"CrashRace/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves grpc.health.v1 for the service, mirroring the
// HealthChecker's readiness, plus reflection for grpcurl.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer registers the health and reflection services. Status
// starts NOT_SERVING and follows checker.
func NewGRPCServer(addr string, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}

	s.setServing(checker != nil && checker.IsReady())
	if checker != nil {
		checker.OnChange(s.setServing)
	}
	return s
}

func (s *GRPCServer) setServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// ServiceName is the health-check service name of this process.
const ServiceName = "crashrace.v1.RaceService"

// Start serves until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}
