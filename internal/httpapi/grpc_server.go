package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/chrisdanielwise/miniapp-gateway/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service backed by the
// same readiness probe as /readyz, for orchestrators that speak gRPC
// health checking instead of HTTP.
type GRPCServer struct {
	healthv1.UnimplementedHealthServer

	readiness readinessChecker
}

func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r}
}

// Check evaluates readiness.
func (s *GRPCServer) Check(ctx context.Context, _ *healthv1.HealthCheckRequest) (*healthv1.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthv1.HealthCheckResponse{
			Status: healthv1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	obs.SetReady(true)
	return &healthv1.HealthCheckResponse{
		Status: healthv1.HealthCheckResponse_SERVING,
	}, nil
}

// Watch is not supported; clients should poll Check.
func (s *GRPCServer) Watch(_ *healthv1.HealthCheckRequest, _ healthv1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "health watch is not supported")
}

// RegisterGRPC attaches the health service to srv.
func RegisterGRPC(srv *grpc.Server, s *GRPCServer) {
	healthv1.RegisterHealthServer(srv, s)
}
