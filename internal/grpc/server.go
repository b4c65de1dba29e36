package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthSource reports per-exchange adapter health
type HealthSource interface {
	Exchanges() []string
	IsHealthy(exchange string) bool
}

type Server struct {
	port       int
	source     HealthSource
	logger     *logrus.Logger
	health     *health.Server
	grpcServer *grpc.Server
}

func NewServer(port int, source HealthSource, logger *logrus.Logger) *Server {
	s := &Server{
		port:   port,
		source: source,
		logger: logger,
		health: health.NewServer(),
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.Refresh()

	return s
}

// Refresh mirrors adapter health into the health service. The overall
// service is SERVING while at least one exchange is healthy.
func (s *Server) Refresh() {
	anyHealthy := false
	for _, name := range s.source.Exchanges() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if s.source.IsHealthy(name) {
			status = healthpb.HealthCheckResponse_SERVING
			anyHealthy = true
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if anyHealthy {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
}

// SetExchangeHealth is a registry health listener
func (s *Server) SetExchangeHealth(exchange string, healthy bool) {
	s.Refresh()
}

// Start listens on the configured port and blocks serving
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve blocks serving on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("gRPC server listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.logger.Info("Stopping gRPC server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}
