package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceSampleRatio applies to root spans.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig controls the bus-driven transcription service.
type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // pipeline, mock
	PartialEveryMS int    `yaml:"partial_every_ms"`
	MinPartialMS   int    `yaml:"min_partial_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

// PipelineConfig fixes the front-end framing and the external collaborators.
type PipelineConfig struct {
	SampleRate       int    `yaml:"sample_rate"`
	MelBins          int    `yaml:"mel_bins"`
	FrameLengthMS    int    `yaml:"frame_length_ms"`
	FrameShiftMS     int    `yaml:"frame_shift_ms"`
	LFRM             int    `yaml:"lfr_m"`
	LFRN             int    `yaml:"lfr_n"`
	VocabPath        string `yaml:"vocab_path"`
	Language         string `yaml:"language"`
	TextNorm         string `yaml:"text_norm"`
	ExtractorCommand string `yaml:"extractor_command"`
	EngineCommand    string `yaml:"engine_command"`
	ModelPath        string `yaml:"model_path"`
	WorkDir          string `yaml:"work_dir"`
	EngineSessions   int    `yaml:"engine_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "sensevoice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8080,
			MaxUploadMB: 64,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "sensevoice-node-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.sensevoice", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/sensevoice-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			PartialEveryMS: 800,
			MinPartialMS:   200,
			TimeoutMS:      45000,
		},
		Pipeline: PipelineConfig{
			SampleRate:     16000,
			MelBins:        80,
			FrameLengthMS:  25,
			FrameShiftMS:   10,
			LFRM:           7,
			LFRN:           6,
			VocabPath:      "./models/tokens.txt",
			Language:       "auto",
			TextNorm:       "punctuated",
			EngineSessions: 1,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SENSEVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SENSEVOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SENSEVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SENSEVOICE_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "SENSEVOICE_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "SENSEVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SENSEVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SENSEVOICE_TELEMETRY_OTLP_INSECURE")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SENSEVOICE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "SENSEVOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SENSEVOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SENSEVOICE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SENSEVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SENSEVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SENSEVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SENSEVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SENSEVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SENSEVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SENSEVOICE_NODE_ID")
	overrideString(&cfg.Node.Role, "SENSEVOICE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SENSEVOICE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SENSEVOICE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SENSEVOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SENSEVOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SENSEVOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SENSEVOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SENSEVOICE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "SENSEVOICE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SENSEVOICE_STT_MODE")
	overrideInt(&cfg.STT.PartialEveryMS, "SENSEVOICE_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.MinPartialMS, "SENSEVOICE_STT_MIN_PARTIAL_MS")
	overrideBool(&cfg.STT.PublishInterim, "SENSEVOICE_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "SENSEVOICE_STT_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SampleRate, "SENSEVOICE_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.MelBins, "SENSEVOICE_PIPELINE_MEL_BINS")
	overrideInt(&cfg.Pipeline.FrameLengthMS, "SENSEVOICE_PIPELINE_FRAME_LENGTH_MS")
	overrideInt(&cfg.Pipeline.FrameShiftMS, "SENSEVOICE_PIPELINE_FRAME_SHIFT_MS")
	overrideInt(&cfg.Pipeline.LFRM, "SENSEVOICE_PIPELINE_LFR_M")
	overrideInt(&cfg.Pipeline.LFRN, "SENSEVOICE_PIPELINE_LFR_N")
	overrideString(&cfg.Pipeline.VocabPath, "SENSEVOICE_PIPELINE_VOCAB_PATH")
	overrideString(&cfg.Pipeline.Language, "SENSEVOICE_PIPELINE_LANGUAGE")
	overrideString(&cfg.Pipeline.TextNorm, "SENSEVOICE_PIPELINE_TEXT_NORM")
	overrideString(&cfg.Pipeline.ExtractorCommand, "SENSEVOICE_PIPELINE_EXTRACTOR_COMMAND")
	overrideString(&cfg.Pipeline.EngineCommand, "SENSEVOICE_PIPELINE_ENGINE_COMMAND")
	overrideString(&cfg.Pipeline.ModelPath, "SENSEVOICE_PIPELINE_MODEL_PATH")
	overrideString(&cfg.Pipeline.WorkDir, "SENSEVOICE_PIPELINE_WORK_DIR")
	overrideInt(&cfg.Pipeline.EngineSessions, "SENSEVOICE_PIPELINE_ENGINE_SESSIONS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

var (
	languages = map[string]bool{"auto": true, "zh": true, "en": true, "yue": true, "ja": true, "ko": true}
	textNorms = map[string]bool{"none": true, "punctuated": true}
)

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
		if len(cfg.Node.Capabilities) == 0 {
			return errors.New("node.capabilities must not be empty")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.STT.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("stt.enabled requires bus.enabled")
		}
		if cfg.STT.TimeoutMS <= 0 {
			return errors.New("stt.timeout_ms must be positive")
		}
		if cfg.STT.MinPartialMS < 0 {
			return errors.New("stt.min_partial_ms must be >= 0")
		}
	}
	switch cfg.STT.Mode {
	case "pipeline", "mock":
	default:
		return errors.New("stt.mode must be one of pipeline|mock")
	}
	return validatePipeline(cfg.Pipeline, cfg.STT.Mode == "pipeline")
}

func validatePipeline(p PipelineConfig, needCollaborators bool) error {
	if p.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if p.MelBins <= 0 {
		return errors.New("pipeline.mel_bins must be positive")
	}
	if p.FrameLengthMS <= 0 || p.FrameShiftMS <= 0 {
		return errors.New("pipeline.frame_length_ms and frame_shift_ms must be positive")
	}
	if p.LFRM <= 0 || p.LFRN <= 0 {
		return errors.New("pipeline.lfr_m and lfr_n must be positive")
	}
	if p.LFRN > p.LFRM {
		return errors.New("pipeline.lfr_n must not exceed lfr_m")
	}
	if !languages[strings.ToLower(p.Language)] {
		return fmt.Errorf("pipeline.language %q must be one of auto|zh|en|yue|ja|ko", p.Language)
	}
	if !textNorms[strings.ToLower(p.TextNorm)] {
		return fmt.Errorf("pipeline.text_norm %q must be one of none|punctuated", p.TextNorm)
	}
	if p.EngineSessions <= 0 {
		return errors.New("pipeline.engine_sessions must be positive")
	}
	if needCollaborators {
		if p.VocabPath == "" {
			return errors.New("pipeline.vocab_path must be set when stt.mode=pipeline")
		}
		if p.ExtractorCommand == "" {
			return errors.New("pipeline.extractor_command must be set when stt.mode=pipeline")
		}
		if p.EngineCommand == "" {
			return errors.New("pipeline.engine_command must be set when stt.mode=pipeline")
		}
	}
	return nil
}
