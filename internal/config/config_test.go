package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	p := cfg.Pipeline
	if p.SampleRate != 16000 || p.MelBins != 80 || p.FrameLengthMS != 25 || p.FrameShiftMS != 10 {
		t.Fatalf("unexpected front-end defaults %+v", p)
	}
	if p.LFRM != 7 || p.LFRN != 6 {
		t.Fatalf("unexpected stacking defaults m=%d n=%d", p.LFRM, p.LFRN)
	}
	if p.Language != "auto" || p.TextNorm != "punctuated" {
		t.Fatalf("unexpected prompt defaults %q %q", p.Language, p.TextNorm)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensevoice.yaml")
	body := `
runtime_name: edge-asr
stt:
  enabled: true
  mode: pipeline
pipeline:
  vocab_path: /models/tokens.txt
  language: zh
  text_norm: none
  extractor_command: fbank --threads 2
  engine_command: "npu-run --device 0"
  model_path: /models/sensevoice.dla
  engine_sessions: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "edge-asr" || cfg.STT.Mode != "pipeline" {
		t.Fatalf("expected file values, got %q %q", cfg.RuntimeName, cfg.STT.Mode)
	}
	if cfg.Pipeline.Language != "zh" || cfg.Pipeline.EngineSessions != 2 {
		t.Fatalf("unexpected pipeline section %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.LFRM != 7 {
		t.Fatalf("expected unset fields to keep defaults, got lfr_m=%d", cfg.Pipeline.LFRM)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENSEVOICE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SENSEVOICE_BUS_USERNAME", "alice")
	t.Setenv("SENSEVOICE_BUS_PASSWORD", "secret")
	t.Setenv("SENSEVOICE_BUS_TLS_INSECURE", "true")
	t.Setenv("SENSEVOICE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SENSEVOICE_NODE_ID", "test-node")
	t.Setenv("SENSEVOICE_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("SENSEVOICE_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("SENSEVOICE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SENSEVOICE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SENSEVOICE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SENSEVOICE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SENSEVOICE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SENSEVOICE_PIPELINE_LANGUAGE", "yue")
	t.Setenv("SENSEVOICE_PIPELINE_LFR_N", "5")
	t.Setenv("SENSEVOICE_PIPELINE_WORK_DIR", "/var/tmp/sv")
	t.Setenv("SENSEVOICE_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("SENSEVOICE_STT_MIN_PARTIAL_MS", "150")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store retention overrides")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Pipeline.Language != "yue" || cfg.Pipeline.LFRN != 5 || cfg.Pipeline.WorkDir != "/var/tmp/sv" {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Telemetry.TraceSampleRatio != 0.25 || cfg.STT.MinPartialMS != 150 {
		t.Fatalf("expected telemetry and stt overrides, got %v %d", cfg.Telemetry.TraceSampleRatio, cfg.STT.MinPartialMS)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown language", func(c *Config) { c.Pipeline.Language = "fr" }, "pipeline.language"},
		{"unknown text norm", func(c *Config) { c.Pipeline.TextNorm = "fancy" }, "pipeline.text_norm"},
		{"hop wider than window", func(c *Config) { c.Pipeline.LFRN = 8 }, "lfr_n"},
		{"zero sample rate", func(c *Config) { c.Pipeline.SampleRate = 0 }, "sample_rate"},
		{"zero mel bins", func(c *Config) { c.Pipeline.MelBins = 0 }, "mel_bins"},
		{"pipeline without vocab", func(c *Config) { c.STT.Mode = "pipeline"; c.Pipeline.VocabPath = "" }, "vocab_path"},
		{"pipeline without extractor", func(c *Config) { c.STT.Mode = "pipeline" }, "extractor_command"},
		{"pipeline without engine", func(c *Config) {
			c.STT.Mode = "pipeline"
			c.Pipeline.ExtractorCommand = "fbank"
		}, "engine_command"},
		{"unknown stt mode", func(c *Config) { c.STT.Mode = "exec" }, "stt.mode"},
		{"stt without bus", func(c *Config) { c.STT.Enabled = true; c.Bus.Enabled = false }, "bus.enabled"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 }, "trace_sample_ratio"},
		{"negative min partial", func(c *Config) { c.STT.Enabled = true; c.STT.MinPartialMS = -1 }, "min_partial_ms"},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "retention_mode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidatePipelineModeComplete(t *testing.T) {
	cfg := Default()
	cfg.STT.Mode = "pipeline"
	cfg.Pipeline.ExtractorCommand = "fbank"
	cfg.Pipeline.EngineCommand = "npu-run"
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSkipsNodeWhenBusDisabled(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = false
	cfg.Node.Capabilities = nil
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
