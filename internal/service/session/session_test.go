package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/media"
	"ai-interview-session-client/internal/service/socket"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
)

type sentFrame struct {
	gen   uint64
	frame protocol.OutboundFrame
}

type fakeLink struct {
	mu     sync.Mutex
	gen    uint64
	sent   []sentFrame
	drops  []error
	closes int
	runErr error
}

func (l *fakeLink) Run(ctx context.Context, _ socket.Handler) error {
	<-ctx.Done()
	return l.runErr
}

func (l *fakeLink) Send(f protocol.OutboundFrame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentFrame{gen: l.gen, frame: f})
	return true
}

func (l *fakeLink) SendOn(gen uint64, f protocol.OutboundFrame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return false
	}
	l.sent = append(l.sent, sentFrame{gen: gen, frame: f})
	return true
}

func (l *fakeLink) Drop(reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drops = append(l.drops, reason)
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
}

func (l *fakeLink) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *fakeLink) setGeneration(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen = gen
}

func (l *fakeLink) controls(msgType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sent {
		if c, ok := s.frame.(protocol.Control); ok && c.Type == msgType {
			n++
		}
	}
	return n
}

type fakePlayer struct {
	mu     sync.Mutex
	played [][]byte
	dones  []func()
	stops  int
}

func (p *fakePlayer) Play(audio []byte, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, audio)
	p.dones = append(p.dones, done)
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

// finish reports the end of the most recent playback.
func (p *fakePlayer) finish() {
	p.mu.Lock()
	done := p.dones[len(p.dones)-1]
	p.mu.Unlock()
	done()
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

type fakeSource struct {
	audio      *media.Track
	video      *media.Track
	acquireErr error

	mu       sync.Mutex
	releases int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		audio: media.NewTrack(media.DeviceMicrophone),
		video: media.NewTrack(media.DeviceCamera),
	}
}

func (s *fakeSource) Acquire(context.Context) error { return s.acquireErr }
func (s *fakeSource) AudioTrack() *media.Track      { return s.audio }
func (s *fakeSource) VideoTrack() *media.Track      { return s.video }

func (s *fakeSource) ReadAudio(d time.Duration) ([]byte, error) {
	return make([]byte, 320), nil
}

func (s *fakeSource) CaptureFrame() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (s *fakeSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
}

func (s *fakeSource) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

type harness struct {
	t      *testing.T
	s      *Session
	link   *fakeLink
	player *fakePlayer
	source *fakeSource
	clock  *clock.Mock
	trans  []turn.Transition
	mu     sync.Mutex
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		link:   &fakeLink{},
		player: &fakePlayer{},
		source: newFakeSource(),
		clock:  clock.NewMock(),
	}
	opts := Options{
		Identity: protocol.Identity{Name: "Ada", Role: "Backend Engineer"},
		Metrics:  metrics.NewMetricsWith(prometheus.NewRegistry()),
		Clock:    h.clock,
		Observers: []Observer{ObserverFunc(func(_ string, tr turn.Transition) {
			h.mu.Lock()
			h.trans = append(h.trans, tr)
			h.mu.Unlock()
		})},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.s = New(opts, h.link, h.source, h.player)
	t.Cleanup(func() { h.s.teardown(EndCancelled, nil) })
	return h
}

// open simulates generation gen opening on the link.
func (h *harness) open(gen uint64) {
	h.link.setGeneration(gen)
	h.s.handleEvent(openedEvent{gen: gen})
}

func (h *harness) frame(f protocol.InboundFrame) {
	h.s.handleEvent(frameEvent{gen: h.s.gen, frame: f})
}

// pump handles the next queued event.
func (h *harness) pump() {
	h.t.Helper()
	select {
	case ev := <-h.s.events:
		h.s.handleEvent(ev)
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for event")
	}
}

func (h *harness) expectState(want turn.State) {
	h.t.Helper()
	if got := h.s.State(); got != want {
		h.t.Fatalf("expected %s, got %s", want, got)
	}
}

func (h *harness) command(fn func() error) error {
	h.t.Helper()
	result := make(chan error, 1)
	go func() { result <- fn() }()
	h.pump()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("command did not return")
		return nil
	}
}

func TestOpenThenBegin(t *testing.T) {
	h := newHarness(t, nil)
	h.expectState(turn.StateConnecting)

	h.open(1)
	h.expectState(turn.StateReady)
	if !h.s.Connected() {
		t.Fatal("expected connected")
	}
	if h.s.Status() != turn.StateReady.StatusText() {
		t.Errorf("unexpected status %q", h.s.Status())
	}

	if err := h.command(h.s.Begin); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h.expectState(turn.StateListening)

	if err := h.command(h.s.Begin); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady on second Begin, got %v", err)
	}
}

func TestAutoBegin(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)
	h.expectState(turn.StateListening)
}

func TestGreetingPlaysAndReturnsFloor(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)

	h.frame(protocol.AIResponse{Text: "Hello Ada"})
	h.expectState(turn.StateListening)

	h.frame(protocol.AudioBlob{Data: []byte("greeting")})
	h.expectState(turn.StateSpeaking)
	if h.player.count() != 1 {
		t.Fatalf("expected one playback, got %d", h.player.count())
	}

	h.player.finish()
	h.pump()
	h.expectState(turn.StateListening)

	entries := h.s.Transcript()
	if len(entries) != 1 || entries[0].Speaker != transcript.SpeakerInterviewer || entries[0].Text != "Hello Ada" {
		t.Errorf("unexpected transcript %+v", entries)
	}
}

func TestFullTurn(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)

	if err := h.command(h.s.EndTurn); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	if got := h.link.controls(protocol.TypeUserFinishedSpeaking); got != 1 {
		t.Fatalf("expected USER_FINISHED_SPEAKING to be sent, got %d", got)
	}

	h.frame(protocol.StateChange{Target: protocol.StateThinking})
	h.expectState(turn.StateThinking)

	h.frame(protocol.AIResponse{Text: "Next question"})
	h.expectState(turn.StateSpeaking)

	h.frame(protocol.AudioBlob{Data: []byte("reply")})
	h.expectState(turn.StateSpeaking)

	h.player.finish()
	h.pump()
	h.expectState(turn.StateListening)

	want := []turn.State{turn.StateReady, turn.StateListening, turn.StateThinking, turn.StateSpeaking, turn.StateListening}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.trans) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), h.trans)
	}
	for i, tr := range h.trans {
		if tr.To != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
}

func TestEndTurnRequiresListening(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1)

	if err := h.command(h.s.EndTurn); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
	if got := h.link.controls(protocol.TypeUserFinishedSpeaking); got != 0 {
		t.Errorf("expected nothing sent, got %d", got)
	}
}

func TestThinkingDuringPlaybackHoldsThinking(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)

	h.frame(protocol.AudioBlob{Data: []byte("a")})
	h.expectState(turn.StateSpeaking)

	h.frame(protocol.StateChange{Target: protocol.StateThinking})
	h.expectState(turn.StateThinking)

	h.player.finish()
	h.pump()
	h.expectState(turn.StateThinking)
}

func TestQueuedAudioPlaysInOrder(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)

	h.frame(protocol.AudioBlob{Data: []byte("one")})
	h.frame(protocol.AudioBlob{Data: []byte("two")})
	if h.player.count() != 1 {
		t.Fatalf("second blob must wait, got %d playbacks", h.player.count())
	}

	h.player.finish()
	h.pump()
	if h.player.count() != 2 || string(h.player.played[1]) != "two" {
		t.Fatalf("expected second blob to play, got %d", h.player.count())
	}
	h.expectState(turn.StateSpeaking)

	h.player.finish()
	h.pump()
	h.expectState(turn.StateListening)
}

func TestAudioWaitTimeoutReturnsFloor(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoBegin = true
		o.AudioWaitTimeout = 5 * time.Second
	})
	h.open(1)

	h.frame(protocol.StateChange{Target: protocol.StateThinking})
	h.frame(protocol.AIResponse{Text: "Text only"})
	h.expectState(turn.StateSpeaking)

	h.clock.Add(5 * time.Second)
	h.pump()
	h.expectState(turn.StateListening)
}

func TestAudioWaitCancelledByAudio(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoBegin = true
		o.AudioWaitTimeout = 5 * time.Second
	})
	h.open(1)

	h.frame(protocol.StateChange{Target: protocol.StateThinking})
	h.frame(protocol.AIResponse{Text: "With audio"})
	h.frame(protocol.AudioBlob{Data: []byte("reply")})

	token := h.s.waitToken - 1
	h.clock.Add(5 * time.Second)
	h.s.handleEvent(audioWaitEvent{token: token})
	h.expectState(turn.StateSpeaking)
}

func TestStaleGenerationFramesDiscarded(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)
	h.s.handleEvent(droppedEvent{gen: 1, err: errors.New("reset")})
	h.expectState(turn.StateConnecting)

	h.open(2)
	h.expectState(turn.StateListening)

	h.s.handleEvent(frameEvent{gen: 1, frame: protocol.AIResponse{Text: "old"}})
	h.s.handleEvent(frameEvent{gen: 1, frame: protocol.AudioBlob{Data: []byte("old")}})
	if len(h.s.Transcript()) != 0 {
		t.Error("stale AI_RESPONSE must not reach the transcript")
	}
	if h.player.count() != 0 {
		t.Error("stale audio must not play")
	}

	// A late drop notification from the old generation is ignored.
	h.s.handleEvent(droppedEvent{gen: 1, err: errors.New("late")})
	h.expectState(turn.StateListening)
}

func TestFramesIgnoredWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1)
	h.s.handleEvent(droppedEvent{gen: 1, err: errors.New("reset")})

	h.s.handleEvent(frameEvent{gen: 1, frame: protocol.InterviewEnd{}})
	select {
	case <-h.s.Done():
		t.Fatal("frame from a dropped generation ended the session")
	default:
	}
}

func TestConnectionLogsCarryGeneration(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ID = "sess-1" })

	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "info", Format: "json", Output: &buf})

	h.open(1)
	h.s.handleEvent(droppedEvent{gen: 1, err: errors.New("reset")})
	h.open(2)

	var lost, reconnected map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("invalid json %q: %v", line, err)
		}
		switch entry["message"] {
		case "Connection lost":
			lost = entry
		case "Reconnected":
			reconnected = entry
		}
	}

	if lost == nil || lost["generation"] != float64(1) || lost["sessionId"] != "sess-1" {
		t.Errorf("expected drop logged with generation 1, got %v", lost)
	}
	if reconnected == nil || reconnected["generation"] != float64(2) || reconnected["sessionId"] != "sess-1" {
		t.Errorf("expected reconnect logged with generation 2, got %v", reconnected)
	}
}

func TestReconnectRestoresListening(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1)
	if err := h.command(h.s.Begin); err != nil {
		t.Fatal(err)
	}
	h.frame(protocol.AudioBlob{Data: []byte("a")})
	h.expectState(turn.StateSpeaking)

	h.s.handleEvent(droppedEvent{gen: 1, err: errors.New("reset")})
	h.expectState(turn.StateConnecting)
	if h.player.stops == 0 {
		t.Error("expected playback to stop on drop")
	}
	if h.s.Connected() {
		t.Error("expected disconnected")
	}

	// The candidate had already begun, so the new generation resumes listening.
	h.open(2)
	h.expectState(turn.StateListening)
	if h.s.gen != 2 {
		t.Errorf("expected generation 2, got %d", h.s.gen)
	}

	// Playback completion from the dropped generation is ignored.
	h.player.finish()
	h.pump()
	h.expectState(turn.StateListening)
}

func TestSupersedingOpenDropsPrevious(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)
	h.open(2)
	h.expectState(turn.StateListening)

	h.s.handleEvent(openedEvent{gen: 1})
	if h.s.gen != 2 {
		t.Errorf("older open must be ignored, got generation %d", h.s.gen)
	}
}

func TestPongIsInformational(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)

	for i := 0; i < 3; i++ {
		h.frame(protocol.Pong{})
	}
	h.expectState(turn.StateListening)
	if got := h.s.heartbeat.Pongs(); got != 3 {
		t.Errorf("expected 3 pongs, got %d", got)
	}
}

func TestHeartbeatUsesCurrentGeneration(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HeartbeatInterval = time.Second })
	h.open(1)

	h.clock.Add(time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for h.link.controls(protocol.TypePing) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a PING")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInterviewEndTearsDown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoBegin = true })
	h.open(1)
	h.frame(protocol.AIResponse{Text: "Goodbye"})
	h.frame(protocol.InterviewEnd{})

	select {
	case <-h.s.Done():
	default:
		t.Fatal("expected session to end")
	}
	h.expectState(turn.StateClosed)
	reason, err := h.s.EndReason()
	if reason != EndInterviewEnded || err != nil {
		t.Errorf("unexpected end %s %v", reason, err)
	}
	if h.source.releaseCount() != 1 || h.link.closes != 1 {
		t.Errorf("expected one release and one close, got %d and %d", h.source.releaseCount(), h.link.closes)
	}
	if len(h.s.Transcript()) != 1 {
		t.Error("transcript must survive teardown")
	}
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunInterviewEndStopsHeartbeatAndCapture(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoBegin = true
		o.HeartbeatInterval = time.Second
	})

	result := make(chan error, 1)
	go func() { result <- h.s.Run(context.Background()) }()

	h.link.setGeneration(1)
	h.s.OnOpen(1)
	waitFor(t, "listening", func() bool { return h.s.State() == turn.StateListening })

	// Drive the mock clock until the heartbeat and both capture loops have sent.
	waitFor(t, "capture and heartbeat traffic", func() bool {
		h.clock.Add(time.Second)
		return h.s.chunker.Emitted() > 0 && h.s.sampler.Emitted() > 0 && h.link.controls(protocol.TypePing) > 0
	})

	h.s.OnFrame(1, protocol.InterviewEnd{})
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("interview end is not an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if h.s.heartbeat.Running() {
		t.Error("expected heartbeat stopped")
	}
	if h.source.releaseCount() != 1 {
		t.Errorf("expected one release, got %d", h.source.releaseCount())
	}

	sent := h.link.sentCount()
	chunks, frames := h.s.chunker.Emitted(), h.s.sampler.Emitted()
	for i := 0; i < 10; i++ {
		h.clock.Add(time.Second)
	}
	time.Sleep(20 * time.Millisecond)

	if got := h.link.sentCount(); got != sent {
		t.Errorf("expected nothing sent after teardown, got %d more frames", got-sent)
	}
	if h.s.chunker.Emitted() != chunks || h.s.sampler.Emitted() != frames {
		t.Error("expected capture loops stopped after teardown")
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1)

	h.s.teardown(EndUserHangup, nil)
	h.s.teardown(EndConnectionFailed, errors.New("late"))

	reason, _ := h.s.EndReason()
	if reason != EndUserHangup {
		t.Errorf("expected first reason to stick, got %s", reason)
	}
	if h.source.releaseCount() != 1 {
		t.Errorf("expected one release, got %d", h.source.releaseCount())
	}
	if err := h.s.Begin(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
}

func TestRunDeviceError(t *testing.T) {
	h := newHarness(t, nil)
	derr := &media.DeviceError{Device: media.DeviceCamera, Err: media.ErrPermissionDenied}
	h.source.acquireErr = derr

	err := h.s.Run(context.Background())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	reason, _ := h.s.EndReason()
	if reason != EndDeviceError {
		t.Errorf("expected device_error, got %s", reason)
	}
	h.expectState(turn.StateClosed)
	if h.source.releaseCount() != 1 {
		t.Errorf("expected release after failed acquire, got %d", h.source.releaseCount())
	}
}

func TestRunHangup(t *testing.T) {
	h := newHarness(t, nil)

	result := make(chan error, 1)
	go func() { result <- h.s.Run(context.Background()) }()

	h.s.OnOpen(1)
	h.link.setGeneration(1)
	deadline := time.Now().Add(2 * time.Second)
	for h.s.State() != turn.StateReady {
		if time.Now().After(deadline) {
			t.Fatal("session never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.s.Hangup()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("hangup is not an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	reason, _ := h.s.EndReason()
	if reason != EndUserHangup {
		t.Errorf("expected user_hangup, got %s", reason)
	}
	if h.source.releaseCount() != 1 {
		t.Errorf("expected one release, got %d", h.source.releaseCount())
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() { result <- h.s.Run(ctx) }()
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("cancel is not an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	reason, _ := h.s.EndReason()
	if reason != EndCancelled {
		t.Errorf("expected cancelled, got %s", reason)
	}
}

func TestToggleTracks(t *testing.T) {
	h := newHarness(t, nil)
	h.s.SetMicEnabled(false)
	h.s.SetCameraEnabled(false)
	if h.s.MicEnabled() || h.s.CameraEnabled() {
		t.Fatal("expected both tracks disabled")
	}
	h.s.SetMicEnabled(true)
	if !h.s.MicEnabled() {
		t.Fatal("expected microphone enabled")
	}
}
