package offload

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported by the offload server.
const (
	TrackingService = "drive.sync.Tracking"
	ControlService  = "drive.sync.Control"
)

// HealthServer publishes serving status for the offload services over the
// standard gRPC health protocol, on a port separate from the framed
// protocol.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewHealthServer registers services as NOT_SERVING until marked ready.
func NewHealthServer(services ...string) *HealthServer {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	for _, svc := range services {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthServer{grpc: gs, health: hs}
}

// SetServing marks service as serving or not.
func (h *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Serve blocks serving health checks on ln until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		h.health.Shutdown()
		h.grpc.GracefulStop()
	})
	defer stop()
	if err := h.grpc.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// CheckHealth asks the health endpoint at addr whether service is serving.
func CheckHealth(ctx context.Context, addr, service string) (bool, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("health client %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, fmt.Errorf("health check %s at %s: %w", service, addr, err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
