// Package wav reads and writes canonical 44-byte-header PCM WAV data.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// HeaderSize is the header length of a standard PCM WAV file.
const HeaderSize = 44

const formatPCM = 1

var (
	ErrNotWAV            = errors.New("not a valid WAV file")
	ErrUnsupportedFormat = errors.New("only PCM format supported")
)

// Format describes the PCM stream carried by a WAV file.
type Format struct {
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// Mono16 returns a 16-bit mono format at the given sample rate.
func Mono16(sampleRate uint32) Format {
	return Format{Channels: 1, SampleRate: sampleRate, BitsPerSample: 16}
}

// ByteRate returns the number of PCM bytes per second.
func (f Format) ByteRate() int {
	return int(f.SampleRate) * int(f.Channels) * int(f.BitsPerSample) / 8
}

// BytesFor returns the PCM length covering d, aligned to whole sample frames.
func (f Format) BytesFor(d time.Duration) int {
	frame := int(f.Channels) * int(f.BitsPerSample) / 8
	if frame == 0 {
		return 0
	}
	n := int(int64(f.ByteRate()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Duration returns the playing time of n PCM bytes.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// ParseHeader validates a WAV header and extracts its format.
func ParseHeader(header []byte) (Format, error) {
	if len(header) < HeaderSize {
		return Format{}, fmt.Errorf("%w: header too short (%d bytes)", ErrNotWAV, len(header))
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	if audioFormat != formatPCM {
		return Format{}, fmt.Errorf("%w: format=%d", ErrUnsupportedFormat, audioFormat)
	}

	return Format{
		Channels:      binary.LittleEndian.Uint16(header[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(header[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(header[34:36]),
		DataSize:      binary.LittleEndian.Uint32(header[40:44]),
	}, nil
}

// Encode wraps PCM data in a WAV container.
func Encode(f Format, pcm []byte) []byte {
	out := make([]byte, HeaderSize+len(pcm))
	blockAlign := f.Channels * f.BitsPerSample / 8

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], f.Channels)
	binary.LittleEndian.PutUint32(out[24:28], f.SampleRate)
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(out[32:34], blockAlign)
	binary.LittleEndian.PutUint16(out[34:36], f.BitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[HeaderSize:], pcm)
	return out
}

// Tone renders a 16-bit mono sine wave.
func Tone(sampleRate uint32, freq float64, d time.Duration) []byte {
	f := Mono16(sampleRate)
	pcm := make([]byte, f.BytesFor(d))
	for i := 0; i < len(pcm)/2; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*0.3*math.MaxInt16)))
	}
	return pcm
}
