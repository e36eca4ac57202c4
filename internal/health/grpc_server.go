package health

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// GRPCServer serves grpc.health.v1 for orchestrators that probe over gRPC
type GRPCServer struct {
	server *grpc.Server
	port   int
	logger *zap.Logger
}

// NewGRPCServer creates a gRPC server exposing hc on port
func NewGRPCServer(port int, hc *HealthCheck, logger *zap.Logger) *GRPCServer {
	s := grpc.NewServer()
	hc.Register(s)
	return &GRPCServer{server: s, port: port, logger: logger}
}

// Start listens and serves until Stop
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", g.port, err)
	}
	return g.Serve(lis)
}

// Serve serves on an existing listener
func (g *GRPCServer) Serve(lis net.Listener) error {
	g.logger.Info("starting gRPC health server", zap.String("addr", lis.Addr().String()))
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC health server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (g *GRPCServer) Stop() {
	g.server.GracefulStop()
}
