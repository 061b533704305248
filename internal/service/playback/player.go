// Package playback plays interviewer audio and reports when playback ends.
package playback

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/wav"
)

// DefaultFallbackByteRate is assumed for audio without a WAV header
// (16kHz 16-bit mono).
const DefaultFallbackByteRate = 32000

// Player plays one audio blob at a time. done is invoked once when playback
// finishes on its own; it is not invoked after Stop.
type Player interface {
	Play(audio []byte, done func()) error
	Stop()
}

type Config struct {
	Clock clock.Clock
	// FallbackByteRate sizes playback of audio whose format cannot be read.
	FallbackByteRate int
	// SaveDir, when set, receives a copy of every reply.
	SaveDir string
}

// ClockPlayer is a headless player: it holds each blob for its playing time
// on a timer and optionally saves it to disk.
type ClockPlayer struct {
	clock    clock.Clock
	fallback int
	saveDir  string
	logger   zerolog.Logger

	mu      sync.Mutex
	timer   *clock.Timer
	playing bool
	saved   int
}

func NewClockPlayer(cfg Config) *ClockPlayer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.FallbackByteRate <= 0 {
		cfg.FallbackByteRate = DefaultFallbackByteRate
	}
	return &ClockPlayer{
		clock:    cfg.Clock,
		fallback: cfg.FallbackByteRate,
		saveDir:  cfg.SaveDir,
		logger:   logging.WithComponent("playback"),
	}
}

// Play starts playback, replacing anything still playing.
func (p *ClockPlayer) Play(audio []byte, done func()) error {
	d := p.Duration(audio)
	if p.saveDir != "" {
		if err := p.save(audio); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to save reply audio")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.playing = true

	var timer *clock.Timer
	timer = p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		current := p.timer == timer
		if current {
			p.timer = nil
			p.playing = false
		}
		p.mu.Unlock()
		if current && done != nil {
			done()
		}
	})
	p.timer = timer

	p.logger.Debug().Int("bytes", len(audio)).Dur("duration", d).Msg("Playback started")
	return nil
}

// Stop cuts playback short without signalling done.
func (p *ClockPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.playing = false
}

// Playing reports whether a blob is currently playing.
func (p *ClockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Duration returns the playing time of a blob.
func (p *ClockPlayer) Duration(audio []byte) time.Duration {
	if f, err := wav.ParseHeader(audio); err == nil && f.ByteRate() > 0 {
		n := len(audio) - wav.HeaderSize
		if f.DataSize > 0 && int(f.DataSize) < n {
			n = int(f.DataSize)
		}
		return f.Duration(n)
	}
	return time.Duration(int64(len(audio)) * int64(time.Second) / int64(p.fallback))
}

func (p *ClockPlayer) save(audio []byte) error {
	if err := os.MkdirAll(p.saveDir, 0o755); err != nil {
		return err
	}

	p.mu.Lock()
	p.saved++
	n := p.saved
	p.mu.Unlock()

	ext := mimetype.Detect(audio).Extension()
	if ext == "" {
		ext = ".bin"
	}
	name := filepath.Join(p.saveDir, fmt.Sprintf("reply-%03d%s", n, ext))
	return os.WriteFile(name, audio, 0o644)
}
