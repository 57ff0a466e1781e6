package frontend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/mattn/go-shellwords"
	"github.com/superLin006/MTK-sense-voice/internal/audio"
)

// ExtractorConfig fixes the analysis parameters of the spectral front end.
type ExtractorConfig struct {
	SampleRate    int
	FrameLengthMS int
	FrameShiftMS  int
	MelBins       int
}

// DefaultExtractorConfig returns 16 kHz, 25 ms windows, 10 ms shift, 80 mel bins.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		SampleRate:    16000,
		FrameLengthMS: 25,
		FrameShiftMS:  10,
		MelBins:       DefaultMelBins,
	}
}

// Extractor turns a conditioned mono waveform into log-mel frames, one per
// analysis window, each MelBins wide. Implementations must not dither.
type Extractor interface {
	Extract(ctx context.Context, buf *audio.Buffer) ([][]float32, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, buf *audio.Buffer) ([][]float32, error)

func (f ExtractorFunc) Extract(ctx context.Context, buf *audio.Buffer) ([][]float32, error) {
	return f(ctx, buf)
}

// ExecExtractor delegates fbank computation to an external command. The
// command receives the waveform as a 16-bit mono WAV and must write a feature
// file whose dimension equals MelBins.
type ExecExtractor struct {
	cmd    []string
	cfg    ExtractorConfig
	tmpDir string
	log    *slog.Logger
}

func NewExecExtractor(command string, cfg ExtractorConfig, tmpDir string, log *slog.Logger) (*ExecExtractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse extractor command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extractor command is empty")
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &ExecExtractor{
		cmd:    args,
		cfg:    cfg,
		tmpDir: tmpDir,
		log:    log.With(slog.String("component", "extractor")),
	}, nil
}

func (e *ExecExtractor) Extract(ctx context.Context, buf *audio.Buffer) ([][]float32, error) {
	if buf.Channels != 1 || buf.SampleRate != e.cfg.SampleRate {
		return nil, fmt.Errorf("extractor expects mono %d Hz audio, got %d ch %d Hz", e.cfg.SampleRate, buf.Channels, buf.SampleRate)
	}

	dir, err := os.MkdirTemp(e.tmpDir, "sensevoice_fbank_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "input.wav")
	outPath := filepath.Join(dir, "fbank.bin")
	if err := writeWAVFile(wavPath, buf); err != nil {
		return nil, err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--audio", wavPath,
		"--output", outPath,
		"--sample-rate", strconv.Itoa(e.cfg.SampleRate),
		"--frame-length-ms", strconv.Itoa(e.cfg.FrameLengthMS),
		"--frame-shift-ms", strconv.Itoa(e.cfg.FrameShiftMS),
		"--mel-bins", strconv.Itoa(e.cfg.MelBins),
		"--dither", "0",
	)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("extractor command failed: %w: %s", err, stderr.String())
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("open extractor output: %w", err)
	}
	defer f.Close()
	frames, err := ReadFeatureFile(f, e.cfg.MelBins)
	if err != nil {
		return nil, err
	}
	e.log.Debug("fbank extracted",
		slog.Int("frames", len(frames)),
		slog.Float64("duration_s", buf.Duration()))
	return frames, nil
}

func writeWAVFile(path string, buf *audio.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := audio.WriteWAV(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
