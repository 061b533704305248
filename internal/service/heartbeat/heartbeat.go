// Package heartbeat sends periodic liveness pings over the session connection.
package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
)

// DefaultInterval is the reference ping cadence.
const DefaultInterval = 30 * time.Second

// Sender queues a frame without blocking.
type Sender interface {
	Send(f protocol.OutboundFrame) bool
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(f protocol.OutboundFrame) bool

func (fn SenderFunc) Send(f protocol.OutboundFrame) bool { return fn(f) }

type Config struct {
	// PongTimeout, when positive, declares the connection dead if a ping
	// stays unanswered that long. Zero only records pongs.
	PongTimeout time.Duration
	// OnDead is called once per Start when the pong timeout expires.
	OnDead func()
	Clock  clock.Clock
}

// Heartbeat pings on a fixed interval regardless of conversation state.
type Heartbeat struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	pending time.Time // first unanswered ping
	pongs   int
}

func New(cfg Config, m *metrics.Metrics) *Heartbeat {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Heartbeat{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: m,
		logger:  logging.WithComponent("heartbeat"),
	}
}

// Start begins pinging through sender every interval, replacing any running loop.
func (h *Heartbeat) Start(interval time.Duration, sender Sender) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	h.stop, h.done = stop, done
	h.pending = time.Time{}

	ticker := h.clock.Ticker(interval)
	go h.run(ticker, sender, stop, done)
}

// Stop cancels the loop and waits for it to exit. Idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the loop is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

// Pong records a PONG. It never affects conversation state.
func (h *Heartbeat) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pongs++
	if !h.pending.IsZero() {
		h.metrics.RecordPong(h.clock.Since(h.pending).Seconds())
		h.pending = time.Time{}
	}
}

// Pongs returns the number of pongs received.
func (h *Heartbeat) Pongs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pongs
}

func (h *Heartbeat) run(ticker *clock.Ticker, sender Sender, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.expired() {
				h.logger.Warn().Dur("pongTimeout", h.cfg.PongTimeout).Msg("No pong received, connection considered dead")
				if h.cfg.OnDead != nil {
					h.cfg.OnDead()
				}
				return
			}
			h.markPending()
			if sender.Send(protocol.Ping()) {
				h.metrics.RecordPing()
			}
		case <-stop:
			return
		}
	}
}

func (h *Heartbeat) expired() bool {
	if h.cfg.PongTimeout <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.pending.IsZero() && h.clock.Since(h.pending) >= h.cfg.PongTimeout
}

func (h *Heartbeat) markPending() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending.IsZero() {
		h.pending = h.clock.Now()
	}
}
