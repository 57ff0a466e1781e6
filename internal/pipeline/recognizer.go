package pipeline

import (
	"context"

	"github.com/superLin006/MTK-sense-voice/internal/audio"
	"github.com/superLin006/MTK-sense-voice/internal/stt"
)

// Transcribe implements stt.Recognizer over raw 16-bit PCM. Partial and final
// requests are recognized the same way over the whole buffer.
func (p *Pipeline) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (stt.TranscriptResult, error) {
	buf, err := audio.FromPCM16(pcm, sampleRate, channels)
	if err != nil {
		return stt.TranscriptResult{}, err
	}
	res, err := p.Recognize(ctx, buf)
	if err != nil {
		return stt.TranscriptResult{}, err
	}
	return stt.TranscriptResult{
		Text:   res.Text,
		Tokens: res.Tokens,
		RTF:    res.RTF,
	}, nil
}

var _ stt.Recognizer = (*Pipeline)(nil)
