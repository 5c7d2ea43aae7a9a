package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nexa-erp.dev/internal/obs"
)

// GRPCServiceName is the service name reported by the health server.
const GRPCServiceName = "nexa.auth.v1"

// GRPCHealth publishes readiness through grpc.health.v1.Health.
type GRPCHealth struct {
	health    *health.Server
	readiness ReadinessChecker
}

// NewGRPCHealth creates the health publisher. Status starts NOT_SERVING
// until the first Refresh.
func NewGRPCHealth(r ReadinessChecker) *GRPCHealth {
	if r == nil {
		r = ReadyProbe{}
	}
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCHealth{health: h, readiness: r}
}

// Register attaches the health service to s.
func (g *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.health)
}

// Refresh evaluates readiness once and updates the serving status.
func (g *GRPCHealth) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := g.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(GRPCServiceName, st)
}

// Run refreshes every interval until ctx is done, then marks everything
// NOT_SERVING so clients drain before the listener closes.
func (g *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}
