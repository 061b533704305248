// Package session coordinates one interview room visit. A single dispatcher
// goroutine owns the conversation state; socket callbacks, playback ends,
// timers and user commands are all delivered to it as events.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/audio"
	"ai-interview-session-client/internal/service/heartbeat"
	"ai-interview-session-client/internal/service/media"
	"ai-interview-session-client/internal/service/playback"
	"ai-interview-session-client/internal/service/socket"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
	"ai-interview-session-client/internal/service/video"
)

// Link is the session connection. *socket.Socket implements it.
type Link interface {
	Run(ctx context.Context, h socket.Handler) error
	Send(f protocol.OutboundFrame) bool
	SendOn(gen uint64, f protocol.OutboundFrame) bool
	Drop(reason error)
	Close()
	Generation() uint64
}

type event interface{}

type openedEvent struct{ gen uint64 }

type frameEvent struct {
	gen   uint64
	frame protocol.InboundFrame
}

type droppedEvent struct {
	gen uint64
	err error
}

type playbackDoneEvent struct{ id uint64 }

type audioWaitEvent struct{ token uint64 }

type commandEvent struct {
	fn    func() error
	reply chan error
}

// Session is one interview attempt. It owns the socket, the timers, the
// capture loops and the media source, and releases them exactly once.
type Session struct {
	id      string
	opts    Options
	link    Link
	source  media.Source
	player  playback.Player
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
	// connLogger carries the generation of the current connection.
	connLogger zerolog.Logger

	machine    *turn.Machine
	transcript *transcript.Log
	heartbeat  *heartbeat.Heartbeat
	chunker    *audio.Chunker
	sampler    *video.FrameSampler

	events chan event
	done   chan struct{}

	// Dispatcher-owned.
	gen         uint64
	begun       bool
	queue       [][]byte
	playing     bool
	playID      uint64
	playStarted time.Time
	audioWait   *clock.Timer
	waitToken   uint64
	startedAt   time.Time

	connected    atomic.Bool
	teardownOnce sync.Once

	endMu     sync.RWMutex
	endReason EndReason
	endErr    error
}

// New creates a session. Nothing is acquired or dialed until Run.
func New(opts Options, link Link, source media.Source, player playback.Player) *Session {
	opts.applyDefaults()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	s := &Session{
		id:         opts.ID,
		opts:       opts,
		link:       link,
		source:     source,
		player:     player,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     logging.WithSession(opts.ID, opts.Identity.Name, opts.Identity.Role),
		connLogger: logging.WithGeneration(opts.ID, 0),
		machine:    turn.NewMachine(),
		transcript: transcript.NewLog(opts.TranscriptSinks...),
		events:     make(chan event, 256),
		done:       make(chan struct{}),
	}
	s.heartbeat = heartbeat.New(heartbeat.Config{
		PongTimeout: opts.PongTimeout,
		OnDead:      func() { link.Drop(socket.ErrPongTimeout) },
		Clock:       opts.Clock,
	}, opts.Metrics)
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Identity() protocol.Identity { return s.opts.Identity }

// State returns the authoritative conversation state.
func (s *Session) State() turn.State { return s.machine.State() }

// Status returns the human-readable status derived from the state.
func (s *Session) Status() string { return s.machine.State().StatusText() }

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []transcript.Entry { return s.transcript.Entries() }

// Generation returns the current connection generation.
func (s *Session) Generation() uint64 { return s.link.Generation() }

// Connected reports whether the current generation is open.
func (s *Session) Connected() bool { return s.connected.Load() }

// Done is closed once the session has been torn down; the surrounding
// application navigates away when it fires.
func (s *Session) Done() <-chan struct{} { return s.done }

// EndReason returns why the session ended and the causing error, if any.
func (s *Session) EndReason() (EndReason, error) {
	s.endMu.RLock()
	defer s.endMu.RUnlock()
	return s.endReason, s.endErr
}

// MicEnabled reports whether the microphone track is enabled.
func (s *Session) MicEnabled() bool { return s.source.AudioTrack().Enabled() }

// CameraEnabled reports whether the camera track is enabled.
func (s *Session) CameraEnabled() bool { return s.source.VideoTrack().Enabled() }

// SetMicEnabled mutes or unmutes the microphone track. The device stays acquired.
func (s *Session) SetMicEnabled(enabled bool) {
	s.source.AudioTrack().SetEnabled(enabled)
	s.logger.Info().Bool("enabled", enabled).Msg("Microphone toggled")
}

// SetCameraEnabled enables or disables the camera track. The device stays acquired.
func (s *Session) SetCameraEnabled(enabled bool) {
	s.source.VideoTrack().SetEnabled(enabled)
	s.logger.Info().Bool("enabled", enabled).Msg("Camera toggled")
}

// Run acquires media, starts capture and the connection, and dispatches
// events until the session ends. It returns the fatal error, if any.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = s.clock.Now()
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Session starting")

	if err := s.source.Acquire(ctx); err != nil {
		reason := EndDeviceError
		if ctx.Err() != nil {
			reason = EndCancelled
		}
		s.teardown(reason, err)
		return s.result()
	}
	s.startCapture()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	linkErr := make(chan error, 1)
	go func() {
		linkErr <- s.link.Run(runCtx, s)
	}()

	linkDone := false
	for !s.ended() {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case err := <-linkErr:
			linkDone = true
			if err != nil {
				s.teardown(EndConnectionFailed, err)
			} else {
				s.teardown(EndCancelled, nil)
			}
		case <-ctx.Done():
			s.teardown(EndCancelled, nil)
		}
	}

	cancel()
	if !linkDone {
		<-linkErr
	}
	return s.result()
}

func (s *Session) result() error {
	reason, err := s.EndReason()
	if reason == EndDeviceError || reason == EndConnectionFailed {
		return err
	}
	return nil
}

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) startCapture() {
	s.chunker = audio.NewChunker(audio.Config{
		Interval: s.opts.ChunkInterval,
		Clock:    s.clock,
	}, s.source, s.source.AudioTrack(), s.machine, s.link)
	s.sampler = video.NewFrameSampler(video.Config{
		Interval: s.opts.FrameInterval,
		Quality:  s.opts.JPEGQuality,
		Clock:    s.clock,
	}, s.source, s.source.VideoTrack(), s.machine, s.link)

	s.chunker.Start()
	s.sampler.Start()
}

// --- socket.Handler implementation ---

func (s *Session) OnOpen(gen uint64) {
	s.post(openedEvent{gen: gen})
}

func (s *Session) OnFrame(gen uint64, f protocol.InboundFrame) {
	s.post(frameEvent{gen: gen, frame: f})
}

func (s *Session) OnDrop(gen uint64, err error) {
	s.post(droppedEvent{gen: gen, err: err})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// --- commands ---

// Begin moves a READY session to LISTENING.
func (s *Session) Begin() error {
	return s.do(func() error {
		switch s.machine.State() {
		case turn.StateReady:
			s.fire(turn.TriggerBegin)
			return nil
		case turn.StateClosed:
			return ErrSessionEnded
		default:
			return ErrNotReady
		}
	})
}

// EndTurn tells the backend the candidate finished speaking.
func (s *Session) EndTurn() error {
	return s.do(func() error {
		if s.machine.State() != turn.StateListening {
			return ErrNotListening
		}
		if !s.link.SendOn(s.gen, protocol.UserFinishedSpeaking()) {
			return ErrNotConnected
		}
		s.logger.Info().Msg("Candidate finished speaking")
		return nil
	})
}

// Hangup ends the session on user request. Not an error.
func (s *Session) Hangup() {
	_ = s.do(func() error {
		s.teardown(EndUserHangup, nil)
		return nil
	})
}

func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.events <- commandEvent{fn: fn, reply: reply}:
	case <-s.done:
		return ErrSessionEnded
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionEnded
		}
	}
}

// --- dispatcher ---

func (s *Session) handleEvent(ev event) {
	switch e := ev.(type) {
	case openedEvent:
		s.onOpened(e.gen)
	case frameEvent:
		if !s.connected.Load() || e.gen != s.gen {
			s.metrics.RecordStaleFrame()
			s.connLogger.Debug().Uint64("frameGeneration", e.gen).Msg("Discarding stale frame")
			return
		}
		s.onFrame(e.frame)
	case droppedEvent:
		if e.gen != s.gen {
			return
		}
		s.onDropped(e.err)
	case playbackDoneEvent:
		s.onPlaybackDone(e.id)
	case audioWaitEvent:
		s.onAudioWait(e.token)
	case commandEvent:
		e.reply <- e.fn()
	}
}

func (s *Session) onOpened(gen uint64) {
	if gen < s.gen {
		return
	}
	if s.connected.Load() {
		// A new generation opened without a drop being observed first.
		s.onDropped(errors.New("superseded"))
	}
	s.gen = gen
	s.connLogger = logging.WithGeneration(s.id, gen)
	s.connected.Store(true)

	if !s.fire(turn.TriggerOpened) {
		return
	}
	s.heartbeat.Start(s.opts.HeartbeatInterval, heartbeat.SenderFunc(func(f protocol.OutboundFrame) bool {
		return s.link.SendOn(gen, f)
	}))
	if gen > 1 {
		s.connLogger.Info().Msg("Reconnected")
	}

	if s.opts.AutoBegin || s.begun {
		s.fire(turn.TriggerBegin)
	}
}

func (s *Session) onFrame(f protocol.InboundFrame) {
	switch v := f.(type) {
	case protocol.Pong:
		s.heartbeat.Pong()

	case protocol.AIResponse:
		e := s.transcript.Append(transcript.SpeakerInterviewer, v.Text)
		s.metrics.RecordTranscriptEntry()
		s.logger.Info().Int("ordinal", e.Ordinal).Str("text", v.Text).Msg("Interviewer response")
		if s.machine.State() == turn.StateThinking && s.fire(turn.TriggerAIResponse) {
			s.armAudioWait()
		}

	case protocol.StateChange:
		if v.Target != protocol.StateThinking {
			s.logger.Debug().Str("target", v.Target).Msg("Ignoring state change")
			return
		}
		// Playback, if any, continues; its end will not leave THINKING.
		s.fire(turn.TriggerThinking)

	case protocol.AudioBlob:
		s.queue = append(s.queue, v.Data)
		if !s.playing {
			s.playNext()
		}

	case protocol.InterviewEnd:
		s.logger.Info().Msg("Interviewer ended the interview")
		s.teardown(EndInterviewEnded, nil)
	}
}

func (s *Session) playNext() {
	if len(s.queue) == 0 {
		return
	}

	switch s.machine.State() {
	case turn.StateSpeaking:
	case turn.StateReady, turn.StateListening, turn.StateThinking:
		if !s.fire(turn.TriggerPlaybackStarted) {
			return
		}
	default:
		s.queue = nil
		return
	}
	s.cancelAudioWait()

	data := s.queue[0]
	s.queue = s.queue[1:]
	s.playID++
	id := s.playID
	s.playing = true
	s.playStarted = s.clock.Now()

	if err := s.player.Play(data, func() { s.post(playbackDoneEvent{id: id}) }); err != nil {
		s.logger.Warn().Err(err).Msg("Playback failed")
		s.onPlaybackDone(id)
	}
}

func (s *Session) onPlaybackDone(id uint64) {
	if !s.playing || id != s.playID {
		return
	}
	s.playing = false
	s.metrics.RecordPlayback(s.clock.Since(s.playStarted).Seconds())

	if len(s.queue) > 0 {
		s.playNext()
		return
	}
	if s.audioWait != nil {
		// Reply audio is still expected.
		return
	}
	if s.machine.State() == turn.StateSpeaking {
		s.fire(turn.TriggerPlaybackEnded)
	}
}

func (s *Session) armAudioWait() {
	s.cancelAudioWait()
	token := s.waitToken
	s.audioWait = s.clock.AfterFunc(s.opts.AudioWaitTimeout, func() {
		s.post(audioWaitEvent{token: token})
	})
}

func (s *Session) cancelAudioWait() {
	if s.audioWait != nil {
		s.audioWait.Stop()
		s.audioWait = nil
	}
	s.waitToken++
}

func (s *Session) onAudioWait(token uint64) {
	if token != s.waitToken || s.audioWait == nil {
		return
	}
	s.audioWait = nil
	if !s.playing && s.machine.State() == turn.StateSpeaking {
		s.logger.Info().Dur("timeout", s.opts.AudioWaitTimeout).Msg("No reply audio, returning the floor")
		s.fire(turn.TriggerAudioTimeout)
	}
}

func (s *Session) stopConversation() {
	s.heartbeat.Stop()
	s.cancelAudioWait()
	s.player.Stop()
	s.playing = false
	s.playID++
	s.queue = nil
}

func (s *Session) onDropped(err error) {
	s.connected.Store(false)
	s.stopConversation()
	s.connLogger.Warn().Err(err).Msg("Connection lost")
	if s.machine.State() != turn.StateConnecting {
		s.fire(turn.TriggerDropped)
	}
}

func (s *Session) fire(t turn.Trigger) bool {
	tr, err := s.machine.Fire(t)
	if err != nil {
		s.logger.Debug().Err(err).Str("trigger", t.String()).Msg("Transition rejected")
		return false
	}

	if tr.To == turn.StateListening {
		s.begun = true
	}
	s.metrics.RecordTransition(tr.From.String(), tr.To.String())
	s.logger.Info().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("trigger", t.String()).
		Msg("State changed")
	for _, o := range s.opts.Observers {
		o.OnTransition(s.id, tr)
	}
	return true
}

// teardown ends the session. It runs exactly once, on the dispatcher, on
// every exit path: the state goes to CLOSED, then heartbeat, capture loops,
// playback, media and socket are stopped in that order.
func (s *Session) teardown(reason EndReason, err error) {
	s.teardownOnce.Do(func() {
		trigger := turn.TriggerHangup
		switch reason {
		case EndInterviewEnded:
			trigger = turn.TriggerInterviewEnd
		case EndDeviceError, EndConnectionFailed:
			trigger = turn.TriggerFailed
		}
		s.fire(trigger)

		s.connected.Store(false)
		s.stopConversation()
		if s.chunker != nil {
			s.chunker.Stop()
		}
		if s.sampler != nil {
			s.sampler.Stop()
		}
		s.source.Release()
		s.link.Close()

		s.endMu.Lock()
		s.endReason, s.endErr = reason, err
		s.endMu.Unlock()

		duration := s.clock.Since(s.startedAt).Seconds()
		s.metrics.RecordSessionEnd(reason.String(), duration)

		ev := s.logger.Info()
		if err != nil {
			ev = s.logger.Error().Err(err)
			var derr *media.DeviceError
			if errors.As(err, &derr) {
				ev = ev.Str("userMessage", derr.UserMessage())
			}
		}
		ev.Str("reason", reason.String()).
			Int("transcriptEntries", s.transcript.Len()).
			Msg("Session ended")

		close(s.done)
	})
}
