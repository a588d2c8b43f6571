// ============================================================================
// wikigraph Health Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: gRPC health endpoint reflecting coordinator leadership
//
// Services:
//   ""                     - SERVING while the process is up
//   wikigraph.Coordinator  - SERVING while this process holds the
//                            leadership mutex, NOT_SERVING otherwise
//
// SetLeader is shaped to be passed as leader.Config.OnChange. Check is the
// client side used by the status command.
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CoordinatorService is the health service name tracking leadership.
const CoordinatorService = "wikigraph.Coordinator"

// Server hosts the gRPC health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu     sync.Mutex
	leader bool
}

// New returns a server reporting the coordinator as NOT_SERVING.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logger.With("component", "health"),
	}
	s.health.SetServingStatus(CoordinatorService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetLeader flips the coordinator status.
func (s *Server) SetLeader(held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = held

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if held {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(CoordinatorService, status)
	s.log.Info("coordinator status changed", "status", status.String())
}

// Leader reports the last value passed to SetLeader.
func (s *Server) Leader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// Serve answers health checks on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info("health server listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// Watchers see NOT_SERVING before the connection goes away.
		s.health.Shutdown()
		s.grpc.GracefulStop()
		if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Check asks the health server at addr for the status of service.
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
