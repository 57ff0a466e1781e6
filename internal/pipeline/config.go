package pipeline

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/engine"
	"github.com/superLin006/MTK-sense-voice/internal/frontend"
	"github.com/superLin006/MTK-sense-voice/internal/vocab"
)

// NewExtractor builds the exec-backed fbank extractor described by cfg.
func NewExtractor(cfg config.PipelineConfig, log *slog.Logger) (*frontend.ExecExtractor, error) {
	return frontend.NewExecExtractor(cfg.ExtractorCommand, frontend.ExtractorConfig{
		SampleRate:    cfg.SampleRate,
		FrameLengthMS: cfg.FrameLengthMS,
		FrameShiftMS:  cfg.FrameShiftMS,
		MelBins:       cfg.MelBins,
	}, cfg.WorkDir, log)
}

// NewEngine builds the exec-backed model runtime described by cfg. The model
// is acquired on first use.
func NewEngine(cfg config.PipelineConfig, log *slog.Logger) (*engine.ExecEngine, error) {
	return engine.NewExecEngine(engine.ExecConfig{
		Command:    cfg.EngineCommand,
		ModelPath:  cfg.ModelPath,
		WorkDir:    cfg.WorkDir,
		Sessions:   cfg.EngineSessions,
		FeatureDim: cfg.MelBins * cfg.LFRM,
	}, log)
}

// NewFromConfig loads the vocabulary and assembles a pipeline over the exec
// collaborators. The returned closer releases the engine.
func NewFromConfig(cfg config.PipelineConfig, log *slog.Logger) (*Pipeline, io.Closer, error) {
	lang, err := engine.ParseLanguage(cfg.Language)
	if err != nil {
		return nil, nil, err
	}
	norm, err := engine.ParseTextNorm(cfg.TextNorm)
	if err != nil {
		return nil, nil, err
	}
	voc, err := vocab.LoadFile(cfg.VocabPath, log)
	if err != nil {
		return nil, nil, err
	}
	ex, err := NewExtractor(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	eng, err := NewEngine(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	p, err := New(Options{
		Extractor:    ex,
		Engine:       eng,
		Vocabulary:   voc,
		Logger:       log,
		SampleRate:   cfg.SampleRate,
		LFRM:         cfg.LFRM,
		LFRN:         cfg.LFRN,
		FrameShiftMS: cfg.FrameShiftMS,
		Language:     lang,
		TextNorm:     norm,
	})
	if err != nil {
		_ = eng.Close()
		return nil, nil, fmt.Errorf("assemble pipeline: %w", err)
	}
	return p, eng, nil
}

// Vocabulary returns the vocabulary the pipeline renders with.
func (p *Pipeline) Vocabulary() *vocab.Vocabulary {
	return p.opts.Vocabulary
}
