// Package grpc exposes component health over the standard gRPC health
// protocol so orchestrators can probe the service.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"repricer/internal/auth"
	"repricer/internal/core"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the overall service reported alongside the empty name
const ServiceName = "repricer.v1.Repricer"

// ComponentChecker is the part of the health manager the server polls
type ComponentChecker interface {
	Components() []string
	Check(component string) (bool, error)
	IsHealthy() bool
}

// HealthServer serves grpc.health.v1 backed by the health manager. Each
// registered component is also exposed as its own service name.
type HealthServer struct {
	checker  ComponentChecker
	health   *health.Server
	server   *grpc.Server
	logger   core.ILogger
	interval time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates the server; validator may be nil to disable auth
func NewHealthServer(checker ComponentChecker, validator *auth.APIKeyValidator, logger core.ILogger) *HealthServer {
	var opts []grpc.ServerOption
	if validator != nil && validator.Enabled() {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(validator.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(validator.StreamServerInterceptor()),
		)
	}

	s := &HealthServer{
		checker:  checker,
		health:   health.NewServer(),
		server:   grpc.NewServer(opts...),
		logger:   logger.WithField("component", "grpc_health"),
		interval: 5 * time.Second,
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	s.Refresh()
	return s
}

// Refresh copies the current component health into the serving status
func (s *HealthServer) Refresh() {
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	for _, component := range s.checker.Components() {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if ok, _ := s.checker.Check(component); !ok {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(component, status)
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
}

// Serve listens on addr and serves until ctx is cancelled
func (s *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener until ctx is cancelled
func (s *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	go s.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.Info("gRPC health server serving", "addr", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Addr returns the bound address once serving
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *HealthServer) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}
