// Package media provides local microphone and camera capture for a session.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"ai-interview-session-client/internal/observability/logging"
	"ai-interview-session-client/internal/wav"
)

// Source acquires the capture devices and owns their tracks for the lifetime
// of a room visit. Only the owner calls Release.
type Source interface {
	// Acquire opens both devices. Failures are *DeviceError.
	Acquire(ctx context.Context) error
	AudioTrack() *Track
	VideoTrack() *Track
	// ReadAudio returns the next d of captured audio.
	ReadAudio(d time.Duration) ([]byte, error)
	// CaptureFrame returns the current camera picture.
	CaptureFrame() (image.Image, error)
	// Release ends both tracks and closes the devices. Idempotent.
	Release()
}

// FileSourceConfig configures a FileSource.
type FileSourceConfig struct {
	// AudioPath is a PCM WAV file looped as microphone input. Empty means silence.
	AudioPath string
	// VideoPath is a JPEG or PNG still served as camera input. Empty means a test pattern.
	VideoPath string
	// SampleRate of the generated silence when AudioPath is empty.
	SampleRate uint32
	Width      int
	Height     int
}

// FileSource is a headless Source backed by files.
type FileSource struct {
	cfg    FileSourceConfig
	logger zerolog.Logger
	audio  *Track
	video  *Track

	mu       sync.Mutex
	acquired bool
	released bool
	file     *os.File
	format   wav.Format
	still    image.Image
	frames   int
	releases int
}

// NewFileSource creates an unacquired FileSource.
func NewFileSource(cfg FileSourceConfig) *FileSource {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = 320, 240
	}
	return &FileSource{
		cfg:    cfg,
		logger: logging.WithComponent("media"),
		audio:  NewTrack(DeviceMicrophone),
		video:  NewTrack(DeviceCamera),
		format: wav.Mono16(cfg.SampleRate),
	}
}

func (s *FileSource) AudioTrack() *Track { return s.audio }
func (s *FileSource) VideoTrack() *Track { return s.video }

// Acquire opens the configured files.
func (s *FileSource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}
	if s.acquired {
		return nil
	}

	if s.cfg.AudioPath != "" {
		if err := s.openAudio(); err != nil {
			return &DeviceError{Device: DeviceMicrophone, Err: err}
		}
	}
	if s.cfg.VideoPath != "" {
		if err := s.openVideo(); err != nil {
			s.closeAudio()
			return &DeviceError{Device: DeviceCamera, Err: err}
		}
	}

	s.acquired = true
	s.logger.Info().
		Str("audio", s.cfg.AudioPath).
		Str("video", s.cfg.VideoPath).
		Uint32("sampleRate", s.format.SampleRate).
		Msg("Media acquired")
	return nil
}

func (s *FileSource) openAudio() error {
	mt, err := mimetype.DetectFile(s.cfg.AudioPath)
	if err != nil {
		return classify(err)
	}
	if !mt.Is("audio/wav") {
		return fmt.Errorf("%w: unsupported audio type %s", ErrDeviceUnavailable, mt.String())
	}

	f, err := os.Open(s.cfg.AudioPath)
	if err != nil {
		return classify(err)
	}
	header := make([]byte, wav.HeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return fmt.Errorf("%w: read header: %v", ErrDeviceUnavailable, err)
	}
	format, err := wav.ParseHeader(header)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.file = f
	s.format = format
	return nil
}

func (s *FileSource) openVideo() error {
	data, err := os.ReadFile(s.cfg.VideoPath)
	if err != nil {
		return classify(err)
	}
	mt := mimetype.Detect(data)
	if !mt.Is("image/jpeg") && !mt.Is("image/png") {
		return fmt.Errorf("%w: unsupported image type %s", ErrDeviceUnavailable, mt.String())
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: decode image: %v", ErrDeviceUnavailable, err)
	}
	s.still = img
	return nil
}

func (s *FileSource) closeAudio() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// Format returns the PCM format of captured audio.
func (s *FileSource) Format() wav.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// ReadAudio returns d of PCM audio, looping the file at EOF.
func (s *FileSource) ReadAudio(d time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.format.BytesFor(d))
	if s.file == nil {
		return buf, nil
	}

	empty := 0
	for off := 0; off < len(buf); {
		n, err := s.file.Read(buf[off:])
		off += n
		if n > 0 {
			empty = 0
		}
		if err == io.EOF {
			if n == 0 {
				empty++
				if empty > 1 {
					// no PCM data at all; pad with silence
					return buf, nil
				}
			}
			if _, err := s.file.Seek(wav.HeaderSize, io.SeekStart); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// CaptureFrame returns the configured still, or a moving test pattern.
func (s *FileSource) CaptureFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.still != nil {
		return s.still, nil
	}

	s.frames++
	return testPattern(s.cfg.Width, s.cfg.Height, s.frames), nil
}

func (s *FileSource) usable() error {
	if s.released {
		return ErrReleased
	}
	if !s.acquired {
		return ErrNotAcquired
	}
	return nil
}

// Release ends both tracks and closes the audio file exactly once.
func (s *FileSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	s.releases++
	s.audio.end()
	s.video.end()
	s.closeAudio()
	s.logger.Info().Msg("Media released")
}

// Releases returns how many times the devices were actually released.
func (s *FileSource) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func testPattern(w, h, frame int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := (frame * 8) % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}
