package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/engine"
)

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	tokens := filepath.Join(dir, "tokens.txt")
	if err := os.WriteFile(tokens, []byte(testTokens), 0o644); err != nil {
		t.Fatalf("write tokens: %v", err)
	}
	cfg := config.Default().Pipeline
	cfg.VocabPath = tokens
	cfg.ExtractorCommand = "fbank"
	cfg.EngineCommand = "npu-run --device 0"
	cfg.Language = "ja"
	cfg.TextNorm = "none"

	p, closer, err := NewFromConfig(cfg, testLogger())
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	defer closer.Close()
	if p.Vocabulary().Size() != 6 {
		t.Fatalf("expected 6 vocabulary entries, got %d", p.Vocabulary().Size())
	}
	if p.opts.Language != engine.LanguageJapanese || p.opts.TextNorm != engine.TextNormNone {
		t.Fatalf("unexpected prompt options %v %v", p.opts.Language, p.opts.TextNorm)
	}
}

func TestNewFromConfigErrors(t *testing.T) {
	cfg := config.Default().Pipeline
	cfg.VocabPath = filepath.Join(t.TempDir(), "missing.txt")
	cfg.ExtractorCommand = "fbank"
	cfg.EngineCommand = "npu-run"
	if _, _, err := NewFromConfig(cfg, testLogger()); err == nil {
		t.Fatal("expected vocabulary load failure")
	}
	cfg.Language = "fr"
	if _, _, err := NewFromConfig(cfg, testLogger()); err == nil {
		t.Fatal("expected language error")
	}
}
