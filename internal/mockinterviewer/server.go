// Package mockinterviewer provides a local interviewer backend for development
// and tests. It honors the session wire contract: token check, greeting on
// START_INTERVIEW, PONG for PING, audio buffered only while listening, a
// THINKING notice and a scripted reply on USER_FINISHED_SPEAKING, and
// INTERVIEW_END after the last question.
package mockinterviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/wav"
)

// DefaultQuestions is the scripted interview.
var DefaultQuestions = []string{
	"Tell me about a project you are proud of.",
	"How do you approach debugging a production issue?",
	"Describe a time you disagreed with a teammate and how you resolved it.",
}

// Config holds mock interviewer settings.
type Config struct {
	// Token is the accepted credential. Empty accepts any non-empty token.
	Token     string
	Questions []string
	// SampleRate and ReplyDuration shape the synthesized reply audio.
	SampleRate    uint32
	ReplyDuration time.Duration
	// ThinkDelay is slept between THINKING and the reply.
	ThinkDelay time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Questions) == 0 {
		c.Questions = DefaultQuestions
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.ReplyDuration <= 0 {
		c.ReplyDuration = 1500 * time.Millisecond
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseProcessing
	phaseListening
	phaseFinished
)

// Stats counts what the backend has seen.
type Stats struct {
	Connections int64
	Rejected    int64
	Starts      int64
	Pings       int64
	VideoFrames int64
	AudioChunks int64
	// AudioIgnored counts chunks received while not listening.
	AudioIgnored int64
	Turns        int64
}

// Server is the mock backend.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	connections  atomic.Int64
	rejected     atomic.Int64
	starts       atomic.Int64
	pings        atomic.Int64
	videoFrames  atomic.Int64
	audioChunks  atomic.Int64
	audioIgnored atomic.Int64
	turns        atomic.Int64
}

func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:    cfg,
		logger: logging.WithComponent("mock_interviewer"),
		conns:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the backend.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws/interview", s.handleInterview)
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Mock interviewer listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.DropAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:  s.connections.Load(),
		Rejected:     s.rejected.Load(),
		Starts:       s.starts.Load(),
		Pings:        s.pings.Load(),
		VideoFrames:  s.videoFrames.Load(),
		AudioChunks:  s.audioChunks.Load(),
		AudioIgnored: s.audioIgnored.Load(),
		Turns:        s.turns.Load(),
	}
}

// DropAll severs every open connection without a close frame, as a network
// failure would.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) handleInterview(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.rejected.Add(1)
		http.Error(w, "missing token", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	if s.cfg.Token != "" && token != s.cfg.Token {
		s.rejected.Add(1)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	c := &interview{server: s, conn: conn}
	if c.serve() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "interview ended"),
			time.Now().Add(time.Second))
	}
}

// interview is one backend-side connection. All writes happen on its read goroutine.
type interview struct {
	server   *Server
	conn     *websocket.Conn
	phase    phase
	identity protocol.Identity
	buffered int
	question int
}

// serve handles client messages until the connection fails or the interview
// ends. It reports whether the interview ended.
func (c *interview) serve() bool {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return false
		}

		if messageType == websocket.BinaryMessage {
			if c.phase == phaseListening {
				c.buffered += len(data)
				c.server.audioChunks.Add(1)
			} else {
				c.server.audioIgnored.Add(1)
			}
			continue
		}

		msgType, payload, err := protocol.DecodeClient(data)
		if err != nil {
			c.server.logger.Warn().Err(err).Msg("Ignoring malformed client message")
			continue
		}

		if err := c.handle(msgType, payload); err != nil {
			c.server.logger.Warn().Err(err).Str("type", msgType).Msg("Write failed")
			return false
		}
		if c.phase == phaseFinished {
			return true
		}
	}
}

func (c *interview) handle(msgType string, payload json.RawMessage) error {
	switch msgType {
	case protocol.TypePing:
		c.server.pings.Add(1)
		return c.sendJSON(map[string]string{"type": protocol.TypePong})

	case protocol.TypeStartInterview:
		c.server.starts.Add(1)
		_ = json.Unmarshal(payload, &c.identity)
		c.phase = phaseProcessing
		intro := fmt.Sprintf("Hello %s, welcome to your %s interview. %s",
			c.identity.Name, c.identity.Role, c.server.cfg.Questions[0])
		c.question = 1
		if err := c.reply(intro); err != nil {
			return err
		}
		c.phase = phaseListening
		return nil

	case protocol.TypeVideoFrame:
		var payloadURL string
		if err := json.Unmarshal(payload, &payloadURL); err == nil {
			if _, err := protocol.DecodeVideoPayload(payloadURL); err == nil {
				c.server.videoFrames.Add(1)
			}
		}
		return nil

	case protocol.TypeUserFinishedSpeaking:
		if c.phase != phaseListening {
			return nil
		}
		c.phase = phaseProcessing
		c.server.turns.Add(1)
		if err := c.sendJSON(map[string]string{"type": protocol.TypeStateChange, "state": protocol.StateThinking}); err != nil {
			return err
		}
		c.buffered = 0
		if d := c.server.cfg.ThinkDelay; d > 0 {
			time.Sleep(d)
		}

		if c.question >= len(c.server.cfg.Questions) {
			if err := c.reply("Thank you, that concludes our interview."); err != nil {
				return err
			}
			c.phase = phaseFinished
			return c.sendJSON(map[string]string{"type": protocol.TypeInterviewEnd})
		}

		next := c.server.cfg.Questions[c.question]
		c.question++
		if err := c.reply("Thanks. " + next); err != nil {
			return err
		}
		c.phase = phaseListening
		return nil
	}
	return nil
}

// reply sends the text first, then the synthesized audio.
func (c *interview) reply(text string) error {
	if err := c.sendJSON(map[string]string{"type": protocol.TypeAIResponse, "text": text}); err != nil {
		return err
	}
	cfg := c.server.cfg
	audio := wav.Encode(wav.Mono16(cfg.SampleRate), wav.Tone(cfg.SampleRate, 220, cfg.ReplyDuration))
	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (c *interview) sendJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}
