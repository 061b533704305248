// Package video samples camera stills at a low fixed rate for proctoring.
package video

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/media"
	"ai-interview-session-client/internal/service/turn"
)

const (
	DefaultInterval = time.Second
	DefaultQuality  = 50
)

// Capturer is the part of the media source the sampler consumes.
type Capturer interface {
	CaptureFrame() (image.Image, error)
}

// Gate exposes the authoritative conversation state.
type Gate interface {
	State() turn.State
}

// Sender accepts outbound frames without blocking.
type Sender interface {
	Send(f protocol.OutboundFrame) bool
}

type Config struct {
	Interval time.Duration
	Quality  int
	Clock    clock.Clock
}

// FrameSampler emits one JPEG VideoFrame per interval while a conversation is
// underway (LISTENING, SPEAKING or THINKING) and the camera track is enabled.
type FrameSampler struct {
	capturer Capturer
	track    *media.Track
	gate     Gate
	sender   Sender
	clock    clock.Clock
	interval time.Duration
	quality  int
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	emitted atomic.Int64
}

func NewFrameSampler(cfg Config, capturer Capturer, track *media.Track, gate Gate, sender Sender) *FrameSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &FrameSampler{
		capturer: capturer,
		track:    track,
		gate:     gate,
		sender:   sender,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		quality:  cfg.Quality,
		logger:   logging.WithComponent("frame_sampler"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *FrameSampler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop ends sampling and waits for the loop to exit. Idempotent.
func (s *FrameSampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.startOnce.Do(func() {
		close(s.done)
	})
	<-s.done
}

func (s *FrameSampler) Emitted() int64 {
	return s.emitted.Load()
}

func (s *FrameSampler) run() {
	defer close(s.done)

	for {
		// Taken before Enabled so a toggle in between still wakes the loop.
		changed := s.track.Changed()
		if !s.track.Enabled() {
			select {
			case <-changed:
				continue
			case <-s.track.Done():
				s.logger.Debug().Msg("Camera track ended, sampler stopped")
				return
			case <-s.stop:
				return
			}
		}

		ticker := s.clock.Ticker(s.interval)
		again := s.loop(ticker, changed)
		ticker.Stop()
		if !again {
			return
		}
	}
}

func (s *FrameSampler) loop(ticker *clock.Ticker, changed <-chan struct{}) bool {
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-changed:
			return true
		case <-s.track.Done():
			return false
		case <-s.stop:
			return false
		}
	}
}

func (s *FrameSampler) tick() {
	if !s.track.Enabled() || !s.gate.State().IsActive() {
		return
	}

	img, err := s.capturer.CaptureFrame()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Frame capture failed")
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		s.logger.Debug().Err(err).Msg("JPEG encode failed")
		return
	}

	frame := protocol.VideoFrame{JPEG: buf.Bytes(), Timestamp: s.clock.Now()}
	if s.sender.Send(frame) {
		s.emitted.Add(1)
	}
}
