package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes its input instead of
// decoding it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	frames := 0
	if channels > 0 {
		frames = len(pcm) / 2 / channels
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript frames=%d rate=%d]", mode, frames, sampleRate),
	}, nil
}
