// Package pipeline turns audio into text: condition, extract fbank, stack,
// infer, widen, greedy decode, render.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/superLin006/MTK-sense-voice/internal/audio"
	"github.com/superLin006/MTK-sense-voice/internal/ctc"
	"github.com/superLin006/MTK-sense-voice/internal/engine"
	"github.com/superLin006/MTK-sense-voice/internal/frontend"
	"github.com/superLin006/MTK-sense-voice/internal/vocab"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/superLin006/MTK-sense-voice/internal/pipeline"

type Options struct {
	Extractor  frontend.Extractor
	Engine     engine.Engine
	Vocabulary *vocab.Vocabulary
	Logger     *slog.Logger

	// MeterProvider and TracerProvider default to the otel globals.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	SampleRate   int
	LFRM         int
	LFRN         int
	FrameShiftMS int
	Language     engine.Language
	TextNorm     engine.TextNorm
}

// Result describes one recognition.
type Result struct {
	Text              string
	Tokens            []int
	FeatureFrames     int
	StackedFrames     int
	OutputFrames      int
	InferenceDuration time.Duration
	// RTF is inference time over the audio time covered by the stacked frames.
	RTF float64
}

// Option overrides request parameters for one call.
type Option func(*engine.Request)

func WithLanguage(l engine.Language) Option {
	return func(r *engine.Request) { r.Language = l }
}

func WithTextNorm(n engine.TextNorm) Option {
	return func(r *engine.Request) { r.TextNorm = n }
}

// Pipeline holds no per-run state and is safe for concurrent use when its
// extractor and engine are.
type Pipeline struct {
	opts    Options
	decoder ctc.Decoder
	metrics *Metrics
	tracer  trace.Tracer
	log     *slog.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Extractor == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if opts.Vocabulary == nil {
		return nil, errors.New("pipeline: vocabulary is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.LFRM <= 0 {
		opts.LFRM = frontend.DefaultLFRM
	}
	if opts.LFRN <= 0 {
		opts.LFRN = frontend.DefaultLFRN
	}
	if opts.FrameShiftMS <= 0 {
		opts.FrameShiftMS = 10
	}
	if opts.TextNorm == 0 {
		opts.TextNorm = engine.TextNormPunctuated
	}

	metrics, err := NewMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}
	return &Pipeline{
		opts: opts,
		decoder: ctc.Decoder{
			Blank:     opts.Vocabulary.Blank(),
			VocabSize: opts.Vocabulary.Size(),
		},
		metrics: metrics,
		tracer:  opts.TracerProvider.Tracer(tracerName),
		log:     opts.Logger.With(slog.String("component", "pipeline")),
	}, nil
}

// Recognize conditions buf in place and runs it through every stage. The
// first error aborts the run and no partial result is returned.
func (p *Pipeline) Recognize(ctx context.Context, buf *audio.Buffer, opts ...Option) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.recognize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("audio.sample_rate", buf.SampleRate),
		attribute.Int("audio.channels", buf.Channels),
	)

	err := p.stage(ctx, "condition", func(context.Context) error {
		return audio.Condition(buf, p.opts.SampleRate)
	})
	if err != nil {
		return Result{}, p.fail(ctx, span, err)
	}

	var features [][]float32
	err = p.stage(ctx, "extract", func(ctx context.Context) error {
		var err error
		features, err = p.opts.Extractor.Extract(ctx, buf)
		return err
	})
	if err != nil {
		return Result{}, p.fail(ctx, span, err)
	}

	var stacked [][]float32
	err = p.stage(ctx, "stack", func(context.Context) error {
		var err error
		stacked, err = frontend.Stack(features, p.opts.LFRM, p.opts.LFRN)
		return err
	})
	if err != nil {
		return Result{}, p.fail(ctx, span, err)
	}

	res, err := p.decodeStacked(ctx, stacked, opts)
	if err != nil {
		return Result{}, p.fail(ctx, span, err)
	}
	res.FeatureFrames = len(features)
	p.succeed(ctx, span, res)
	p.log.Debug("recognized",
		slog.Float64("duration_s", buf.Duration()),
		slog.Int("feature_frames", res.FeatureFrames),
		slog.Int("tokens", len(res.Tokens)),
		slog.Float64("rtf", res.RTF))
	return res, nil
}

// RecognizeFeatures runs inference and decoding over already stacked frames.
func (p *Pipeline) RecognizeFeatures(ctx context.Context, stacked [][]float32, opts ...Option) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.recognize_features")
	defer span.End()

	res, err := p.decodeStacked(ctx, stacked, opts)
	if err != nil {
		return Result{}, p.fail(ctx, span, err)
	}
	p.succeed(ctx, span, res)
	return res, nil
}

func (p *Pipeline) decodeStacked(ctx context.Context, stacked [][]float32, opts []Option) (Result, error) {
	req := engine.Request{
		Features: stacked,
		Language: p.opts.Language,
		TextNorm: p.opts.TextNorm,
	}
	for _, opt := range opts {
		opt(&req)
	}

	var scores *engine.HalfScores
	start := time.Now()
	err := p.stage(ctx, "infer", func(ctx context.Context) error {
		var err error
		scores, err = p.opts.Engine.Infer(ctx, req)
		if err != nil && !errors.Is(err, engine.ErrInferenceFailure) {
			err = fmt.Errorf("%w: %w", engine.ErrInferenceFailure, err)
		}
		if err == nil && scores == nil {
			err = fmt.Errorf("%w: engine returned no scores", engine.ErrInferenceFailure)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	inference := time.Since(start)

	vocabSize := scores.VocabSize
	if vocabSize <= 0 {
		vocabSize = p.opts.Vocabulary.Size()
	}
	var tokens []int
	var outFrames int
	err = p.stage(ctx, "decode", func(context.Context) error {
		data, err := scores.Widen()
		if err != nil {
			return err
		}
		m, err := ctc.NewMatrix(data, vocabSize)
		if err != nil {
			return err
		}
		outFrames = m.Frames
		tokens, err = p.decoder.Decode(m)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var text string
	_ = p.stage(ctx, "render", func(context.Context) error {
		text = p.opts.Vocabulary.Render(tokens)
		return nil
	})

	return Result{
		Text:              text,
		Tokens:            tokens,
		StackedFrames:     len(stacked),
		OutputFrames:      outFrames,
		InferenceDuration: inference,
		RTF:               p.realTimeFactor(inference, len(stacked)),
	}, nil
}

// realTimeFactor divides inference time by the audio time spanned by the
// stacked frames, each of which advances LFRN frame shifts.
func (p *Pipeline) realTimeFactor(inference time.Duration, stacked int) float64 {
	audioSeconds := float64(stacked*p.opts.LFRN*p.opts.FrameShiftMS) / 1000
	if audioSeconds <= 0 {
		return 0
	}
	return inference.Seconds() / audioSeconds
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.metrics.StageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", name)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, err error) error {
	kind := ErrorKind(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	p.metrics.Failures.Add(ctx, 1, metric.WithAttributes(attribute.String("error", kind)))
	p.log.Warn("recognition failed", slog.String("kind", kind), slog.String("error", err.Error()))
	return err
}

func (p *Pipeline) succeed(ctx context.Context, span trace.Span, res Result) {
	span.SetAttributes(
		attribute.Int("frames.stacked", res.StackedFrames),
		attribute.Int("frames.output", res.OutputFrames),
		attribute.Int("tokens", len(res.Tokens)),
	)
	p.metrics.Recognitions.Add(ctx, 1)
	p.metrics.RealTimeFactor.Record(ctx, res.RTF)
}

// ErrorKind names the failure class of a pipeline error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrUnsupportedChannelLayout):
		return "unsupported_channel_layout"
	case errors.Is(err, frontend.ErrInsufficientFrames):
		return "insufficient_frames"
	case errors.Is(err, frontend.ErrDimensionMismatch), errors.Is(err, ctc.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, vocab.ErrLoadFailure):
		return "vocabulary_load_failure"
	case errors.Is(err, engine.ErrInferenceFailure):
		return "inference_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
