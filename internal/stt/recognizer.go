package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text   string
	Tokens []int
	// RTF is the real-time factor of the inference step, when known.
	RTF float64
}

// Recognizer abstracts STT backends. pcm is 16-bit little-endian interleaved
// audio.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
