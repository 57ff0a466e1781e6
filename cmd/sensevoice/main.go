package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/superLin006/MTK-sense-voice/internal/audio"
	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/engine"
	"github.com/superLin006/MTK-sense-voice/internal/frontend"
	"github.com/superLin006/MTK-sense-voice/internal/pipeline"
	"github.com/superLin006/MTK-sense-voice/internal/vocab"
	"golang.org/x/sync/errgroup"
)

var version = "0.1.0-dev"

const usage = `usage: sensevoice <command> [flags] [args]

commands:
  extract    -o features.bin audio.wav   condition audio, compute and stack fbank frames
  infer      features.bin                run the model over stacked frames and decode
  transcribe [-j N] audio.wav...          full pipeline over one or more files
  vocab      tokens.txt                  print vocabulary size and special ids
  version                                print version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "extract":
		err = runExtract(ctx, os.Args[2:])
	case "infer":
		err = runInfer(ctx, os.Args[2:])
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "vocab":
		err = runVocab(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	language   string
	textNorm   string
	verbose    bool
}

func newFlagSet(name string, c *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file (defaults plus SENSEVOICE_* env when empty)")
	fs.StringVar(&c.language, "language", "", "Language override: auto|zh|en|yue|ja|ko")
	fs.StringVar(&c.textNorm, "text-norm", "", "Text normalization override: none|punctuated")
	fs.BoolVar(&c.verbose, "v", false, "Verbose logging")
	return fs
}

func (c *commonFlags) load() (config.PipelineConfig, *slog.Logger, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.PipelineConfig{}, nil, err
	}
	p := cfg.Pipeline
	if c.language != "" {
		p.Language = c.language
	}
	if c.textNorm != "" {
		p.TextNorm = c.textNorm
	}
	return p, logger, nil
}

func runExtract(ctx context.Context, args []string) error {
	var (
		common commonFlags
		output string
	)
	fs := newFlagSet("extract", &common)
	fs.StringVar(&output, "o", "features.bin", "Output feature file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("extract expects exactly one audio file")
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	extractor, err := pipeline.NewExtractor(cfg, logger)
	if err != nil {
		return err
	}

	buf, err := readWAVFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := audio.Condition(buf, cfg.SampleRate); err != nil {
		return err
	}
	frames, err := extractor.Extract(ctx, buf)
	if err != nil {
		return err
	}
	stacked, err := frontend.Stack(frames, cfg.LFRM, cfg.LFRN)
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := frontend.WriteFeatureFile(f, stacked); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("%s: %d fbank frames -> %d stacked frames x %d\n", output, len(frames), len(stacked), cfg.MelBins*cfg.LFRM)
	return nil
}

func runInfer(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("infer", &common)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("infer expects exactly one feature file")
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	stacked, err := frontend.ReadFeatureFile(f, cfg.MelBins*cfg.LFRM)
	f.Close()
	if err != nil {
		return err
	}

	voc, err := vocab.LoadFile(cfg.VocabPath, logger)
	if err != nil {
		return err
	}
	eng, err := pipeline.NewEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	lang, err := engine.ParseLanguage(cfg.Language)
	if err != nil {
		return err
	}
	norm, err := engine.ParseTextNorm(cfg.TextNorm)
	if err != nil {
		return err
	}
	p, err := pipeline.New(pipeline.Options{
		Extractor: frontend.ExtractorFunc(func(context.Context, *audio.Buffer) ([][]float32, error) {
			return nil, errors.New("infer runs on precomputed features")
		}),
		Engine:       eng,
		Vocabulary:   voc,
		Logger:       logger,
		SampleRate:   cfg.SampleRate,
		LFRM:         cfg.LFRM,
		LFRN:         cfg.LFRN,
		FrameShiftMS: cfg.FrameShiftMS,
		Language:     lang,
		TextNorm:     norm,
	})
	if err != nil {
		return err
	}

	res, err := p.RecognizeFeatures(ctx, stacked)
	if err != nil {
		return err
	}
	printResult(os.Stdout, fs.Arg(0), res)
	return nil
}

func runTranscribe(ctx context.Context, args []string) error {
	var (
		common commonFlags
		jobs   int
	)
	fs := newFlagSet("transcribe", &common)
	fs.IntVar(&jobs, "j", 1, "Files transcribed in parallel")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("transcribe expects at least one audio file")
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	p, closer, err := pipeline.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	paths := fs.Args()
	results := make([]pipeline.Result, len(paths))
	failures := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			buf, err := readWAVFile(path)
			if err == nil {
				results[i], err = p.Recognize(gctx, buf)
			}
			failures[i] = err
			// Per-file failures are reported, not fatal to the batch.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed int
	for i, path := range paths {
		if failures[i] != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, failures[i])
			continue
		}
		printResult(os.Stdout, path, results[i])
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

func runVocab(args []string) error {
	fs := flag.NewFlagSet("vocab", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("vocab expects exactly one tokens file")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	v, err := vocab.LoadFile(fs.Arg(0), logger)
	if err != nil {
		return err
	}
	fmt.Printf("size:    %d\n", v.Size())
	fmt.Printf("entries: %d\n", v.Len())
	fmt.Printf("blank:   %d\n", v.Blank())
	fmt.Printf("unknown: %d\n", v.Unknown())
	fmt.Printf("start:   %d\n", v.Start())
	fmt.Printf("end:     %d\n", v.End())
	return nil
}

func readWAVFile(path string) (*audio.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := audio.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return buf, nil
}

func printResult(w io.Writer, name string, res pipeline.Result) {
	fmt.Fprintf(w, "%s\t%s\t(frames=%d tokens=%d inference=%s rtf=%.3f)\n",
		name, res.Text, res.StackedFrames, len(res.Tokens), res.InferenceDuration.Round(1e6), res.RTF)
}
