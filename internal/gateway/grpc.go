// ABOUTME: gRPC server exposing the standard health service
// ABOUTME: Serving status follows store reachability

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const (
	healthpbServing    = healthpb.HealthCheckResponse_SERVING
	healthpbNotServing = healthpb.HealthCheckResponse_NOT_SERVING

	storeCheckInterval = 15 * time.Second
)

// createGRPCServer creates a gRPC server with the health service registered.
func createGRPCServer(h *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, h)
	return server
}

// watchStore flips the health status when the store stops answering pings.
func (g *Gateway) watchStore(ctx context.Context) {
	ticker := time.NewTicker(storeCheckInterval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkStore(ctx, &serving)
		}
	}
}

func (g *Gateway) checkStore(ctx context.Context, serving *bool) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ok := g.store.Ping(pingCtx) == nil
	if ok == *serving {
		return
	}
	*serving = ok
	if ok {
		g.logger.Info("store reachable again")
		g.health.SetServingStatus("", healthpbServing)
		return
	}
	g.logger.Warn("store unreachable, reporting not serving")
	g.health.SetServingStatus("", healthpbNotServing)
}
