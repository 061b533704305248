package session

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
)

var (
	ErrNotReady     = errors.New("session is not ready to begin")
	ErrNotListening = errors.New("candidate does not hold the floor")
	ErrNotConnected = errors.New("session is not connected")
	ErrSessionEnded = errors.New("session has ended")
)

// EndReason explains why a session was torn down.
type EndReason int

const (
	EndNone EndReason = iota
	EndInterviewEnded
	EndUserHangup
	EndDeviceError
	EndConnectionFailed
	EndCancelled
)

func (r EndReason) String() string {
	switch r {
	case EndInterviewEnded:
		return "interview_ended"
	case EndUserHangup:
		return "user_hangup"
	case EndDeviceError:
		return "device_error"
	case EndConnectionFailed:
		return "connection_failed"
	case EndCancelled:
		return "cancelled"
	default:
		return ""
	}
}

// Observer is notified of every conversation state transition, on the
// dispatcher goroutine. Implementations must not block.
type Observer interface {
	OnTransition(sessionID string, tr turn.Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(sessionID string, tr turn.Transition)

func (fn ObserverFunc) OnTransition(sessionID string, tr turn.Transition) { fn(sessionID, tr) }

// Options configures a Session.
type Options struct {
	// ID defaults to a random UUID.
	ID       string
	Identity protocol.Identity
	// AutoBegin enters LISTENING as soon as the connection is ready.
	AutoBegin bool

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// AudioWaitTimeout bounds how long SPEAKING is held after an AI_RESPONSE
	// when no audio follows.
	AudioWaitTimeout time.Duration

	ChunkInterval time.Duration
	FrameInterval time.Duration
	JPEGQuality   int

	Observers       []Observer
	TranscriptSinks []transcript.Sink
	Metrics         *metrics.Metrics
	Clock           clock.Clock
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.AudioWaitTimeout <= 0 {
		o.AudioWaitTimeout = 10 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = metrics.DefaultMetrics
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}
