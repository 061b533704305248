// Package audio captures microphone audio in fixed-duration chunks and pushes
// them to the session connection while the candidate holds the floor.
package audio

import (
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

// DefaultInterval is the reference chunk cadence.
const DefaultInterval = time.Second

// Reader is the part of the media source the chunker consumes.
type Reader interface {
	ReadAudio(d time.Duration) ([]byte, error)
}

// Gate exposes the authoritative conversation state. It is read at every tick.
type Gate interface {
	State() turn.State
}

// Sender accepts outbound frames without blocking. It reports false on drop.
type Sender interface {
	Send(f protocol.OutboundFrame) bool
}

// Config holds chunker settings.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
}

// Chunker emits one AudioChunk per interval while the state is LISTENING and
// the microphone track is enabled. Audio captured in any other state is discarded.
type Chunker struct {
	reader   Reader
	track    *media.Track
	gate     Gate
	sender   Sender
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	emitted   atomic.Int64
	discarded atomic.Int64
}

// NewChunker creates a chunker. track is a non-owning reference to the microphone track.
func NewChunker(cfg Config, reader Reader, track *media.Track, gate Gate, sender Sender) *Chunker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Chunker{
		reader:   reader,
		track:    track,
		gate:     gate,
		sender:   sender,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		logger:   logging.WithComponent("audio_chunker"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the capture loop. Subsequent calls are no-ops.
func (c *Chunker) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop ends the capture loop and waits for it to exit. Safe to call more than once,
// and before Start.
func (c *Chunker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.startOnce.Do(func() {
		close(c.done)
	})
	<-c.done
}

// Emitted returns the number of chunks handed to the sender.
func (c *Chunker) Emitted() int64 {
	return c.emitted.Load()
}

// Discarded returns the number of chunks captured outside LISTENING.
func (c *Chunker) Discarded() int64 {
	return c.discarded.Load()
}

func (c *Chunker) run() {
	defer close(c.done)

	for {
		// Taken before Enabled so a toggle in between still wakes the loop.
		changed := c.track.Changed()
		if !c.track.Enabled() {
			if c.track.Ended() {
				c.logger.Debug().Msg("Microphone track ended, chunker stopped")
				return
			}
			// Paused: no timer is scheduled until the track is enabled again.
			select {
			case <-changed:
				continue
			case <-c.track.Done():
				return
			case <-c.stop:
				return
			}
		}

		if !c.cycle(changed) {
			return
		}
	}
}

// cycle ticks until the track changes (true) or the loop must exit (false).
func (c *Chunker) cycle(changed <-chan struct{}) bool {
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-changed:
			return true
		case <-c.track.Done():
			return false
		case <-c.stop:
			return false
		}
	}
}

// tick captures one interval of audio and forwards it if the gate allows.
func (c *Chunker) tick() {
	if !c.track.Enabled() {
		return
	}

	data, err := c.reader.ReadAudio(c.interval)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Audio capture failed")
		return
	}
	if len(data) == 0 {
		return
	}

	if c.gate.State() != turn.StateListening {
		c.discarded.Add(1)
		return
	}

	if c.sender.Send(protocol.AudioChunk{Data: data}) {
		c.emitted.Add(1)
	}
}
