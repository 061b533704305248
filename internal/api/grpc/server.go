// Package grpcapi exposes the client's conversation readiness over the
// standard gRPC health protocol.
package grpcapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ai-interview-session-client/internal/observability"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/service/turn"
)

// ServiceName is the health service name of the interview session.
const ServiceName = "interview.session.Client"

// HealthReporter maps conversation state to health status: SERVING while the
// session is ready or conversing, NOT_SERVING while connecting or closed.
type HealthReporter struct {
	health *health.Server
}

func NewHealthReporter() *HealthReporter {
	h := &HealthReporter{health: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// OnTransition is called for every accepted state change.
func (h *HealthReporter) OnTransition(_ string, tr turn.Transition) {
	h.set(statusFor(tr.To))
}

// Shutdown reports NOT_SERVING on every service and ignores later updates.
func (h *HealthReporter) Shutdown() {
	h.health.Shutdown()
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

func statusFor(s turn.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == turn.StateReady || s.IsActive() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// NewServer creates the admin gRPC server of a session with logging and
// metrics interceptors.
func NewServer(m *metrics.Metrics, sessionID string) *grpc.Server {
	calls := observability.NewCallObserver(m, sessionID)
	return grpc.NewServer(
		grpc.ChainUnaryInterceptor(calls.Unary()),
		grpc.ChainStreamInterceptor(calls.Stream()),
	)
}

// Register installs the health service and reflection for tools like grpcurl.
func Register(g *grpc.Server, h *HealthReporter) {
	healthpb.RegisterHealthServer(g, h.health)
	reflection.Register(g)
}
