package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupportedChannelLayout is returned for channel counts other than mono or stereo.
var ErrUnsupportedChannelLayout = errors.New("audio: unsupported channel layout")

// Buffer holds interleaved amplitude samples normalized to [-1, 1].
// Len(Samples) is frames*Channels.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// FromPCM16 decodes little-endian signed 16-bit PCM into a Buffer.
func FromPCM16(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: pcm payload not aligned (%d bytes)", len(pcm))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedChannelLayout, channels)
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// NewBuffer wraps interleaved samples. len(samples) must be a multiple of channels.
func NewBuffer(samples []float32, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedChannelLayout, channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("audio: %d samples do not divide into %d channels", len(samples), channels)
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}
