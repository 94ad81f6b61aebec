package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PipelineService is the health service name reported for the job pipeline.
const PipelineService = "focusstack.Pipeline"

// Health serves the standard grpc.health.v1 service. Both the overall
// status and PipelineService report SERVING until Stop.
type Health struct {
	srv    *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewHealth builds the gRPC server without binding a port.
func NewHealth(log *slog.Logger) *Health {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(PipelineService, healthpb.HealthCheckResponse_SERVING)
	return &Health{srv: srv, health: hs, log: log}
}

// Serve blocks serving on lis until Stop or ctx cancellation.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	h.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	return h.srv.Serve(lis)
}

// ListenAndServe binds addr and calls Serve.
func (h *Health) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.Serve(ctx, lis)
}

// Stop marks every service NOT_SERVING and drains open calls.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
