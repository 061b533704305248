package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ai-interview-session-client/internal/protocol"
)

type serverConn struct {
	conn     *websocket.Conn
	header   http.Header
	token    string
	received chan received
}

type received struct {
	messageType int
	data        []byte
}

type testServer struct {
	*httptest.Server
	conns  chan *serverConn
	reject int
}

func newTestServer(t *testing.T, reject int) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *serverConn, 8), reject: reject}
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.reject != 0 {
			http.Error(w, "nope", ts.reject)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{
			conn:     conn,
			header:   r.Header.Clone(),
			token:    r.URL.Query().Get("token"),
			received: make(chan received, 64),
		}
		ts.conns <- sc
		go func() {
			defer close(sc.received)
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				sc.received <- received{mt, data}
			}
		}()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/interview"
}

func (ts *testServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ts.conns:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (sc *serverConn) next(t *testing.T) received {
	t.Helper()
	select {
	case m, ok := <-sc.received:
		if !ok {
			t.Fatal("connection closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	opens  chan uint64
	frames chan protocol.InboundFrame
	drops  chan uint64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opens:  make(chan uint64, 8),
		frames: make(chan protocol.InboundFrame, 64),
		drops:  make(chan uint64, 8),
	}
}

func (h *recordingHandler) OnOpen(gen uint64)                           { h.opens <- gen }
func (h *recordingHandler) OnFrame(gen uint64, f protocol.InboundFrame) { h.frames <- f }
func (h *recordingHandler) OnDrop(gen uint64, err error)                { h.drops <- gen }

func waitGen(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		return 0
	}
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		Token:          "tok-123",
		Identity:       protocol.Identity{Name: "Ada", Role: "Python Dev"},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

func runSocket(t *testing.T, s *Socket, h Handler) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background(), h) }()
	return errCh
}

func assertStart(t *testing.T, m received) {
	t.Helper()
	if m.messageType != websocket.TextMessage {
		t.Fatalf("expected text START frame, got type %d", m.messageType)
	}
	var msg struct {
		Type    string            `json:"type"`
		Payload protocol.Identity `json:"payload"`
	}
	if err := json.Unmarshal(m.data, &msg); err != nil {
		t.Fatalf("invalid START: %v", err)
	}
	if msg.Type != protocol.TypeStartInterview || msg.Payload.Name != "Ada" || msg.Payload.Role != "Python Dev" {
		t.Errorf("unexpected START %s", m.data)
	}
}

func TestRun_MissingCredentialIsFatal(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.Token = ""
	s := New(cfg, nil, nil)

	err := s.Run(context.Background(), newRecordingHandler())

	if !errors.Is(err, ErrCredentialMissing) || !IsFatal(err) {
		t.Errorf("expected fatal ErrCredentialMissing, got %v", err)
	}
}

func TestRun_RejectedCredentialIsFatal(t *testing.T) {
	ts := newTestServer(t, http.StatusUnauthorized)
	s := New(testConfig(ts.wsURL()), nil, nil)

	err := s.Run(context.Background(), newRecordingHandler())

	if !errors.Is(err, ErrCredentialRejected) || !IsFatal(err) {
		t.Errorf("expected fatal ErrCredentialRejected, got %v", err)
	}
	if s.Generation() != 1 {
		t.Errorf("expected no retry after rejection, generation=%d", s.Generation())
	}
}

func TestRun_StartIsFirstFrame(t *testing.T) {
	ts := newTestServer(t, 0)
	s := New(testConfig(ts.wsURL()), nil, nil)
	h := newRecordingHandler()

	if s.Send(protocol.AudioChunk{Data: []byte{1}}) {
		t.Error("expected media before connect to be dropped")
	}

	errCh := runSocket(t, s, h)
	sc := ts.accept(t)
	if got := waitGen(t, h.opens); got != 1 {
		t.Errorf("expected generation 1, got %d", got)
	}

	if sc.token != "tok-123" {
		t.Errorf("expected token query parameter, got %q", sc.token)
	}
	if sc.header.Get("Authorization") != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", sc.header.Get("Authorization"))
	}
	assertStart(t, sc.next(t))

	if !s.Send(protocol.AudioChunk{Data: []byte{1, 2, 3}}) {
		t.Fatal("expected audio to be queued once connected")
	}
	m := sc.next(t)
	if m.messageType != websocket.BinaryMessage || len(m.data) != 3 {
		t.Errorf("expected binary audio chunk, got type=%d len=%d", m.messageType, len(m.data))
	}

	s.Close()
	if err := <-errCh; err != nil {
		t.Errorf("expected nil after voluntary close, got %v", err)
	}
}

func TestRun_ReconnectsWithFreshStart(t *testing.T) {
	ts := newTestServer(t, 0)
	s := New(testConfig(ts.wsURL()), nil, nil)
	h := newRecordingHandler()
	errCh := runSocket(t, s, h)

	first := ts.accept(t)
	waitGen(t, h.opens)
	assertStart(t, first.next(t))

	_ = first.conn.Close()

	if got := waitGen(t, h.drops); got != 1 {
		t.Errorf("expected drop of generation 1, got %d", got)
	}
	second := ts.accept(t)
	if got := waitGen(t, h.opens); got != 2 {
		t.Errorf("expected generation 2 after reconnect, got %d", got)
	}
	assertStart(t, second.next(t))

	if s.SendOn(1, protocol.Ping()) {
		t.Error("expected frame for a superseded generation to be dropped")
	}
	if !s.SendOn(2, protocol.Ping()) {
		t.Error("expected frame for the current generation to be queued")
	}

	s.Close()
	if err := <-errCh; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_DeliversFramesAndSkipsMalformed(t *testing.T) {
	ts := newTestServer(t, 0)
	s := New(testConfig(ts.wsURL()), nil, nil)
	h := newRecordingHandler()
	errCh := runSocket(t, s, h)

	sc := ts.accept(t)
	waitGen(t, h.opens)

	_ = sc.conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	_ = sc.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"MYSTERY"}`))
	_ = sc.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"AI_RESPONSE","text":"Hello"}`))
	_ = sc.conn.WriteMessage(websocket.BinaryMessage, []byte("RIFF"))

	want := []protocol.InboundFrame{protocol.AIResponse{Text: "Hello"}}
	for _, w := range want {
		select {
		case f := <-h.frames:
			if f != w {
				t.Errorf("expected %#v, got %#v", w, f)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	select {
	case f := <-h.frames:
		if _, ok := f.(protocol.AudioBlob); !ok {
			t.Errorf("expected AudioBlob, got %T", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for audio")
	}

	s.Close()
	<-errCh
}

func TestRun_PolicyViolationIsFatal(t *testing.T) {
	ts := newTestServer(t, 0)
	s := New(testConfig(ts.wsURL()), nil, nil)
	h := newRecordingHandler()
	errCh := runSocket(t, s, h)

	sc := ts.accept(t)
	waitGen(t, h.opens)
	_ = sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"))

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCredentialRejected) {
			t.Errorf("expected ErrCredentialRejected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_ReconnectsExhausted(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws/interview")
	cfg.MaxReconnects = 2
	s := New(cfg, nil, nil)

	err := s.Run(context.Background(), newRecordingHandler())

	if !errors.Is(err, ErrReconnectsExhausted) {
		t.Errorf("expected ErrReconnectsExhausted, got %v", err)
	}
	if s.Generation() != 3 {
		t.Errorf("expected 3 attempts, got %d", s.Generation())
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	ts := newTestServer(t, 0)
	s := New(testConfig(ts.wsURL()), nil, nil)
	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, h) }()

	sc := ts.accept(t)
	waitGen(t, h.opens)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// drain START, then expect the close frame
	sc.next(t)
	select {
	case _, ok := <-sc.received:
		if ok {
			t.Error("expected the connection to close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection left open")
	}
}

func TestSend_MediaRateLimited(t *testing.T) {
	s := New(Config{Token: "t", MediaRate: 1, MediaBurst: 1}, nil, nil)
	l := &link{gen: 1, out: make(chan message, 8), done: make(chan struct{})}
	s.current = l

	if !s.Send(protocol.AudioChunk{Data: []byte{1}}) {
		t.Fatal("expected first media frame within burst")
	}
	if s.Send(protocol.AudioChunk{Data: []byte{2}}) {
		t.Error("expected second media frame to be rate limited")
	}
	if !s.Send(protocol.Ping()) {
		t.Error("expected control frames to bypass the media rate bound")
	}
}

func TestSend_FullOutboxDrops(t *testing.T) {
	s := New(Config{Token: "t", SendBuffer: 1}, nil, nil)
	s.current = &link{gen: 1, out: make(chan message, 1), done: make(chan struct{})}

	if !s.Send(protocol.Ping()) {
		t.Fatal("expected first frame to be queued")
	}
	if s.Send(protocol.Ping()) {
		t.Error("expected frame to be dropped on a full outbox")
	}
}

func TestGeneration_Monotonic(t *testing.T) {
	var g Generation
	if g.Current() != 0 {
		t.Errorf("expected 0, got %d", g.Current())
	}
	prev := uint64(0)
	for i := 0; i < 10; i++ {
		n := g.Next()
		if n <= prev {
			t.Fatalf("generation not increasing: %d after %d", n, prev)
		}
		prev = n
	}
	if g.Current() != prev {
		t.Errorf("expected current %d, got %d", prev, g.Current())
	}
}
