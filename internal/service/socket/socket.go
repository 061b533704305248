// Package socket owns the persistent connection to the interviewer backend:
// dial, START handshake, send, receive, close and reconnect-on-drop.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
)

// Config holds connection settings.
type Config struct {
	Endpoint string
	Token    string
	Identity protocol.Identity

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Reconnect backoff: exponential from InitialBackoff, capped at MaxBackoff.
	// MaxReconnects bounds consecutive failed attempts; 0 means unlimited.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnects  uint64

	// SendBuffer is the per-connection outbox size.
	SendBuffer int
	// MediaRate bounds outbound audio and video frames per second; 0 disables it.
	MediaRate  float64
	MediaBurst int

	ReadLimit int64
	Clock     clock.Clock
}

// DefaultConfig returns the reference connection settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		InitialBackoff:   3 * time.Second,
		MaxBackoff:       30 * time.Second,
		SendBuffer:       256,
		MediaRate:        10,
		MediaBurst:       20,
		ReadLimit:        16 << 20,
	}
}

// Handler receives connection events. Callbacks run on the socket's read
// goroutine in receive order and must not block.
type Handler interface {
	// OnOpen is called once START_INTERVIEW has been written on a new connection.
	OnOpen(gen uint64)
	// OnFrame delivers a decoded inbound frame.
	OnFrame(gen uint64, f protocol.InboundFrame)
	// OnDrop is called when an open connection is lost and a reconnect follows.
	OnDrop(gen uint64, err error)
}

type message struct {
	kind   protocol.Kind
	binary bool
	data   []byte
}

// link is one connection generation.
type link struct {
	gen  uint64
	conn Conn
	out  chan message
	done chan struct{}

	once sync.Once
	err  error
}

// shutdown closes the connection. A normal shutdown sends a close frame first.
func (l *link) shutdown(normal bool, err error, writeTimeout time.Duration) {
	l.once.Do(func() {
		l.err = err
		if normal {
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
		}
		_ = l.conn.Close()
		close(l.done)
	})
}

// Socket is a reconnecting session connection. Outbound frames are scoped to
// the connection generation they were queued on and expire with it.
type Socket struct {
	cfg     Config
	dialer  Dialer
	decoder *protocol.Decoder
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	gen     Generation

	mu      sync.Mutex
	current *link
	closed  bool
	closing chan struct{}
}

// New creates a socket. A nil dialer uses gorilla/websocket.
func New(cfg Config, dialer Dialer, m *metrics.Metrics) *Socket {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}

	var limiter *rate.Limiter
	if cfg.MediaRate > 0 {
		burst := cfg.MediaBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MediaRate), burst)
	}

	return &Socket{
		cfg:     cfg,
		dialer:  dialer,
		decoder: protocol.NewDecoder(),
		limiter: limiter,
		metrics: m,
		logger:  logging.WithComponent("socket"),
		closing: make(chan struct{}),
	}
}

// Generation returns the current connection generation.
func (s *Socket) Generation() uint64 {
	return s.gen.Current()
}

// Connected reports whether a connection is open and past its handshake.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Run connects and keeps the connection alive until Close, ctx cancellation
// or a fatal error. It returns nil on a voluntary stop.
func (s *Socket) Run(ctx context.Context, h Handler) error {
	if s.cfg.Token == "" {
		return &ConnectionError{Op: "dial", Fatal: true, Err: ErrCredentialMissing}
	}

	backoff := s.newBackoff()
	opened := false

	for {
		if s.stopped(ctx) {
			return nil
		}

		gen := s.gen.Next()
		l, err := s.connect(ctx, gen)
		if err != nil {
			if s.stopped(ctx) {
				return nil
			}
			if IsFatal(err) {
				s.metrics.RecordConnectAttempt("rejected", gen)
				return err
			}
			s.metrics.RecordConnectAttempt("failed", gen)
			s.logger.Warn().Err(err).Uint64("generation", gen).Msg("Connect failed")
		} else {
			s.metrics.RecordConnectAttempt("ok", gen)
			if opened {
				s.metrics.RecordReconnect()
			}
			opened = true
			backoff = s.newBackoff()

			err = s.serve(ctx, l, h)
			if s.stopped(ctx) {
				return nil
			}
			if IsFatal(err) {
				return err
			}
			s.metrics.RecordConnectionDropped(dropReason(err))
			s.logger.Warn().Err(err).Uint64("generation", gen).Msg("Connection dropped")
			h.OnDrop(gen, err)
		}

		wait, stop := backoff.Next()
		if stop {
			return &ConnectionError{Generation: gen, Op: "dial", Fatal: true,
				Err: fmt.Errorf("%w: %v", ErrReconnectsExhausted, err)}
		}
		s.logger.Info().Dur("backoff", wait).Uint64("nextGeneration", gen+1).Msg("Reconnecting")
		if !s.sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Socket) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.InitialBackoff)
	b = retry.WithCappedDuration(s.cfg.MaxBackoff, b)
	if s.cfg.MaxReconnects > 0 {
		b = retry.WithMaxRetries(s.cfg.MaxReconnects, b)
	}
	return b
}

func (s *Socket) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) sleep(ctx context.Context, d time.Duration) bool {
	t := s.cfg.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

// connect dials, writes START_INTERVIEW and publishes the new link. Media
// queued before this point was dropped as not connected.
func (s *Socket) connect(ctx context.Context, gen uint64) (*link, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, &ConnectionError{Generation: gen, Op: "dial", Fatal: true, Err: err}
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ConnectionError{Generation: gen, Op: "dial", Fatal: true,
				Err: fmt.Errorf("%w: status %d", ErrCredentialRejected, resp.StatusCode)}
		}
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, &ConnectionError{Generation: gen, Op: "dial", Err: err}
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	_, start, err := protocol.Encode(protocol.Start(s.cfg.Identity))
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, start)
	}
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Generation: gen, Op: "handshake", Err: err}
	}
	s.metrics.RecordFrameSent(protocol.KindControl.String(), len(start))

	l := &link{
		gen:  gen,
		conn: conn,
		out:  make(chan message, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.shutdown(true, nil, s.cfg.WriteTimeout)
		return nil, &ConnectionError{Generation: gen, Op: "handshake", Err: errors.New("socket closed")}
	}
	s.current = l
	s.mu.Unlock()

	s.logger.Info().Uint64("generation", gen).Str("role", s.cfg.Identity.Role).Msg("Connected, START_INTERVIEW sent")
	return l, nil
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve pumps the link until it dies and returns the cause.
func (s *Socket) serve(ctx context.Context, l *link, h Handler) error {
	h.OnOpen(l.gen)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(l)
	}()
	go func() {
		select {
		case <-ctx.Done():
			l.shutdown(true, nil, s.cfg.WriteTimeout)
		case <-l.done:
		}
	}()

	readErr := s.readLoop(l, h)
	l.shutdown(false, readErr, s.cfg.WriteTimeout)
	<-writerDone

	s.mu.Lock()
	if s.current == l {
		s.current = nil
	}
	s.mu.Unlock()

	err := l.err
	if err == nil {
		err = readErr
	}
	var cerr *websocket.CloseError
	if errors.As(err, &cerr) && cerr.Code == websocket.ClosePolicyViolation {
		return &ConnectionError{Generation: l.gen, Op: "read", Fatal: true,
			Err: fmt.Errorf("%w: %v", ErrCredentialRejected, err)}
	}
	return &ConnectionError{Generation: l.gen, Op: "read", Err: err}
}

func (s *Socket) readLoop(l *link, h Handler) error {
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}

		if l.gen != s.gen.Current() {
			s.metrics.RecordStaleFrame()
			continue
		}

		frame, err := s.decoder.Decode(messageType == websocket.BinaryMessage, data)
		if err != nil {
			var perr *protocol.ProtocolError
			reason := "unknown"
			if errors.As(err, &perr) {
				reason = perr.Reason
			}
			s.metrics.RecordProtocolError(reason)
			s.logger.Warn().Err(err).Uint64("generation", l.gen).Int("bytes", len(data)).Msg("Dropping inbound frame")
			continue
		}

		s.metrics.RecordFrameReceived(protocol.InboundLabel(frame))
		h.OnFrame(l.gen, frame)
	}
}

func (s *Socket) writeLoop(l *link) {
	for {
		select {
		case m := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			messageType := websocket.TextMessage
			if m.binary {
				messageType = websocket.BinaryMessage
			}
			if err := l.conn.WriteMessage(messageType, m.data); err != nil {
				l.shutdown(false, fmt.Errorf("write: %w", err), s.cfg.WriteTimeout)
				return
			}
			s.metrics.RecordFrameSent(m.kind.String(), len(m.data))
		case <-l.done:
			return
		}
	}
}

// Send queues a frame on the current connection without blocking. It returns
// false when the frame is dropped: no open connection, media over the rate
// bound, or a full outbox.
func (s *Socket) Send(f protocol.OutboundFrame) bool {
	s.mu.Lock()
	l := s.current
	s.mu.Unlock()
	return s.enqueue(l, f)
}

// SendOn queues a frame only if gen is still the current connection.
func (s *Socket) SendOn(gen uint64, f protocol.OutboundFrame) bool {
	s.mu.Lock()
	l := s.current
	s.mu.Unlock()
	if l != nil && l.gen != gen {
		s.metrics.RecordFrameDropped(f.Kind().String(), "stale_generation")
		return false
	}
	return s.enqueue(l, f)
}

func (s *Socket) enqueue(l *link, f protocol.OutboundFrame) bool {
	kind := f.Kind()
	if l == nil {
		s.metrics.RecordFrameDropped(kind.String(), "not_connected")
		return false
	}
	if kind.IsMedia() && s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RecordFrameDropped(kind.String(), "rate_limited")
		return false
	}

	binary, data, err := protocol.Encode(f)
	if err != nil {
		s.metrics.RecordFrameDropped(kind.String(), "encode")
		s.logger.Error().Err(err).Msg("Failed to encode frame")
		return false
	}

	select {
	case <-l.done:
		s.metrics.RecordFrameDropped(kind.String(), "stale_generation")
		return false
	default:
	}

	select {
	case l.out <- message{kind: kind, binary: binary, data: data}:
		return true
	default:
		s.metrics.RecordFrameDropped(kind.String(), "buffer_full")
		return false
	}
}

// Drop tears down the current connection as if the network failed. A
// reconnect follows.
func (s *Socket) Drop(reason error) {
	s.mu.Lock()
	l := s.current
	s.mu.Unlock()
	if l != nil {
		l.shutdown(false, reason, s.cfg.WriteTimeout)
	}
}

// Close ends the connection with a normal close frame. No reconnect follows.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)
	l := s.current
	s.mu.Unlock()

	if l != nil {
		l.shutdown(true, nil, s.cfg.WriteTimeout)
	}
	s.logger.Info().Uint64("generation", s.gen.Current()).Msg("Socket closed")
}

func dropReason(err error) string {
	var cerr *websocket.CloseError
	switch {
	case errors.As(err, &cerr):
		return "closed_by_peer"
	case errors.Is(err, ErrPongTimeout):
		return "pong_timeout"
	default:
		return "network"
	}
}
