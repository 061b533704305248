package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "ai-interview-session-client/internal/api/grpc"
	"ai-interview-session-client/internal/config"
	"ai-interview-session-client/internal/events"
	httpapi "ai-interview-session-client/internal/http"
	"ai-interview-session-client/internal/observability"
	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/media"
	"ai-interview-session-client/internal/service/playback"
	"ai-interview-session-client/internal/service/session"
	"ai-interview-session-client/internal/service/socket"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
)

// Application holds process-wide state for one client run.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics

	publisher *events.Publisher
	health    *grpcapi.HealthReporter
	session   *session.Session
}

// New constructs an Application and configures logging from cfg.
func New(cfg *config.Configuration) *Application {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
		Logger:  logging.WithComponent("application"),
	}
	a.Logger.Info().
		Str("principal", cfg.Service.Principal).
		Str("logLevel", cfg.Observability.LogLevel).
		Msg("Interview client application created")
	return a
}

// Session returns the session built by Start.
func (a *Application) Session() *session.Session { return a.session }

// Start builds the session and its exporters. Nothing is dialed until Run.
func (a *Application) Start() error {
	cfg := a.Cfg
	if cfg.Session.Token == "" {
		return socket.ErrCredentialMissing
	}

	a.StartupTime = time.Now().UTC()
	identity := protocol.Identity{Name: cfg.Session.CandidateName, Role: cfg.Session.Role}
	sessionID := uuid.NewString()

	a.publisher = events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicLifecycle:  cfg.Kafka.TopicLifecycle,
		Principal:       cfg.Kafka.Principal,
	}, a.Metrics)
	a.health = grpcapi.NewHealthReporter()

	link := socket.New(socket.Config{
		Endpoint:       cfg.Session.Endpoint,
		Token:          cfg.Session.Token,
		Identity:       identity,
		InitialBackoff: cfg.Reconnect.InitialBackoff,
		MaxBackoff:     cfg.Reconnect.MaxBackoff,
		MaxReconnects:  uint64(max(cfg.Reconnect.MaxAttempts, 0)),
		MediaRate:      cfg.Reconnect.MediaRate,
		MediaBurst:     cfg.Reconnect.MediaBurst,
	}, nil, a.Metrics)

	source := media.NewFileSource(media.FileSourceConfig{
		AudioPath:  cfg.Media.AudioFile,
		VideoPath:  cfg.Media.VideoFile,
		SampleRate: uint32(max(cfg.Media.SampleRate, 0)),
	})
	player := playback.NewClockPlayer(playback.Config{
		FallbackByteRate: cfg.Media.FallbackByteRate,
		SaveDir:          cfg.Media.PlaybackDir,
	})

	a.session = session.New(session.Options{
		ID:                sessionID,
		Identity:          identity,
		AutoBegin:         cfg.Session.AutoBegin,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		PongTimeout:       cfg.Heartbeat.PongTimeout,
		AudioWaitTimeout:  cfg.Session.AudioWaitTimeout,
		ChunkInterval:     cfg.Media.ChunkInterval,
		FrameInterval:     cfg.Media.FrameInterval,
		JPEGQuality:       cfg.Media.JPEGQuality,
		Observers: []session.Observer{
			a.health,
			events.NewLifecycleObserver(a.publisher),
		},
		TranscriptSinks: []transcript.Sink{
			events.NewTranscriptSink(a.publisher, sessionID, identity),
		},
		Metrics: a.Metrics,
	}, link, source, player)

	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("sessionId", sessionID).
		Str("endpoint", cfg.Session.Endpoint).
		Msg("Interview client starting")
	return nil
}

// Run runs the session next to the HTTP and gRPC admin surfaces. It returns
// when the session ends; the surfaces are then shut down.
func (a *Application) Run(ctx context.Context) error {
	if a.session == nil {
		if err := a.Start(); err != nil {
			return err
		}
	}
	defer a.Shutdown()

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer := grpcapi.NewServer(a.Metrics, a.session.ID())
	grpcapi.Register(grpcServer, a.health)

	httpServer := observability.NewServer(
		a.Cfg.Observability.HTTPAddr,
		httpapi.NewRouter(a.session),
		func() bool {
			s := a.session.State()
			return s == turn.StateReady || s.IsActive()
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	surfaces, stopSurfaces := context.WithCancel(gctx)
	defer stopSurfaces()

	var sessionErr error
	g.Go(func() error {
		defer stopSurfaces()
		sessionErr = a.session.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return httpServer.Run(surfaces)
	})
	g.Go(func() error {
		a.Logger.Info().Str("addr", lis.Addr().String()).Msg("Admin gRPC server started")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-surfaces.Done()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return sessionErr
}

// Shutdown flushes exporters before process exit.
func (a *Application) Shutdown() {
	if a.health != nil {
		a.health.Shutdown()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Publisher close failed")
		}
	}

	ev := a.Logger.Info()
	if a.session != nil {
		reason, err := a.session.EndReason()
		ev = ev.Str("reason", reason.String()).AnErr("sessionError", err)
	}
	ev.Msg("Interview client shutting down")
}
