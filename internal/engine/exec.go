package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/superLin006/MTK-sense-voice/internal/frontend"
)

// ErrClosed is returned by Infer after Close.
var ErrClosed = errors.New("engine: closed")

type ExecConfig struct {
	// Command runs one inference. It receives --model, --features,
	// --language, --text-norm and --output.
	Command   string
	ModelPath string
	WorkDir   string
	// Sessions bounds concurrent invocations. Zero means one.
	Sessions int
	// FeatureDim is the expected width of each stacked frame.
	FeatureDim int
}

// ExecEngine runs the model through an external command that exchanges
// feature and score files with this process.
type ExecEngine struct {
	cmd  []string
	cfg  ExecConfig
	log  *slog.Logger
	sem  chan struct{}
	once sync.Once
	err  error

	mu     sync.RWMutex
	closed bool
}

func NewExecEngine(cfg ExecConfig, log *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.FeatureDim <= 0 {
		cfg.FeatureDim = frontend.StackedDim
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &ExecEngine{
		cmd: args,
		cfg: cfg,
		log: log.With(slog.String("component", "engine")),
		sem: make(chan struct{}, cfg.Sessions),
	}, nil
}

// Open acquires the model. It runs once; later calls return the first result.
func (e *ExecEngine) Open() error {
	e.once.Do(func() {
		if e.cfg.ModelPath != "" {
			if _, err := os.Stat(e.cfg.ModelPath); err != nil {
				e.err = fmt.Errorf("%w: model: %w", ErrInferenceFailure, err)
				return
			}
		}
		path, err := exec.LookPath(e.cmd[0])
		if err != nil {
			e.err = fmt.Errorf("%w: engine command: %w", ErrInferenceFailure, err)
			return
		}
		e.cmd[0] = path
		e.log.Info("engine ready",
			slog.String("command", path),
			slog.String("model", e.cfg.ModelPath),
			slog.Int("sessions", e.cfg.Sessions))
	})
	return e.err
}

// Close releases the engine. Infer fails afterwards.
func (e *ExecEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *ExecEngine) Infer(ctx context.Context, req Request) (*HalfScores, error) {
	if err := e.Open(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, ErrClosed)
	}
	for i, f := range req.Features {
		if len(f) != e.cfg.FeatureDim {
			return nil, fmt.Errorf("%w: frame %d has %d values, expected %d", frontend.ErrDimensionMismatch, i, len(f), e.cfg.FeatureDim)
		}
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, ctx.Err())
	}
	defer func() { <-e.sem }()

	scores, err := e.run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	return scores, nil
}

func (e *ExecEngine) run(ctx context.Context, req Request) (*HalfScores, error) {
	dir, err := os.MkdirTemp(e.cfg.WorkDir, "sensevoice_infer_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	featPath := filepath.Join(dir, "features.bin")
	outPath := filepath.Join(dir, "scores.bin")
	if err := writeFeatures(featPath, req.Features); err != nil {
		return nil, err
	}

	args := append([]string{}, e.cmd[1:]...)
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	args = append(args,
		"--features", featPath,
		"--language", strconv.Itoa(int(req.Language)),
		"--text-norm", strconv.Itoa(int(req.TextNorm)),
		"--output", outPath,
	)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr

	start := time.Now()
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("open engine output: %w", err)
	}
	defer f.Close()
	scores, err := ReadScoreFile(f)
	if err != nil {
		return nil, err
	}
	e.log.Debug("inference complete",
		slog.Int("input_frames", len(req.Features)),
		slog.Int("output_frames", scores.Frames()),
		slog.String("language", req.Language.String()),
		slog.Duration("elapsed", time.Since(start)))
	return scores, nil
}

func writeFeatures(path string, frames [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create feature file: %w", err)
	}
	if err := frontend.WriteFeatureFile(f, frames); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
