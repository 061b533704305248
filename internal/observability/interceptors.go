package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/observability/metrics"
)

// CallObserver records calls made to the admin gRPC server of one session.
type CallObserver struct {
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewCallObserver(m *metrics.Metrics, sessionID string) *CallObserver {
	return &CallObserver{
		metrics: m,
		logger:  logging.WithComponent("admin-grpc").With().Str("sessionId", sessionID).Logger(),
	}
}

// Unary returns the unary interceptor. Health checks are logged with the
// service they asked about.
func (o *CallObserver) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := o.record(ctx, info.FullMethod, start, err, o.logger.Debug())
		if check, ok := req.(*healthpb.HealthCheckRequest); ok {
			ev = ev.Str("healthService", check.GetService())
		}
		if r, ok := resp.(*healthpb.HealthCheckResponse); ok {
			ev = ev.Str("servingStatus", r.GetStatus().String())
		}
		ev.Msg("Admin call")
		return resp, err
	}
}

// Stream returns the stream interceptor. A health watcher holds its stream
// for as long as it observes the session, so the log carries the number of
// status updates it received.
func (o *CallObserver) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		watched := &watchedStream{ServerStream: ss}
		err := handler(srv, watched)

		o.record(ss.Context(), info.FullMethod, start, err, o.logger.Info()).
			Str("healthService", watched.service).
			Int("updates", watched.updates).
			Msg("Admin stream closed")
		return err
	}
}

func (o *CallObserver) record(ctx context.Context, method string, start time.Time, err error, ev *zerolog.Event) *zerolog.Event {
	duration := time.Since(start)
	code := status.Code(err).String()
	o.metrics.RecordGRPCCall(method, code, duration.Seconds())

	ev = ev.Str("method", method).Str("code", code).Dur("duration", duration)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev = ev.Str("peer", p.Addr.String())
	}
	return ev
}

type watchedStream struct {
	grpc.ServerStream
	service string
	updates int
}

func (s *watchedStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if req, ok := m.(*healthpb.HealthCheckRequest); ok && err == nil {
		s.service = req.GetService()
	}
	return err
}

func (s *watchedStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.updates++
	}
	return err
}
