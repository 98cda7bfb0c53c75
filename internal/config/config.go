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
}

type HTTPConfig struct {
	Bind             string `yaml:"bind"`
	Port             int    `yaml:"port"`
	StatusIntervalMS int    `yaml:"status_interval_ms"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Simulation  SimulationConfig `yaml:"simulation"`
	Persona     PersonaConfig    `yaml:"persona"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // exec, stdin, disabled
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type PipelineConfig struct {
	ContextChars  int `yaml:"context_chars"`
	MinAudioBytes int `yaml:"min_audio_bytes"`
	CallTimeoutMS int `yaml:"call_timeout_ms"`
}

type STTConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, openai
	Command  string `yaml:"command"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, exec, ollama, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type PlaybackConfig struct {
	Mode           string `yaml:"mode"` // exec, null
	Command        string `yaml:"command"`
	DecoderCommand string `yaml:"decoder_command"`
	SampleRate     int    `yaml:"sample_rate"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	RampMS         int    `yaml:"ramp_ms"`
}

type SimulationConfig struct {
	InterChunkDelayMS int `yaml:"inter_chunk_delay_ms"`
}

type PersonaConfig struct {
	Default string `yaml:"default"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-lector",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:             "0.0.0.0",
			Port:             8080,
			StatusIntervalMS: 500,
			MaxUploadBytes:   256 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "lector",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lector-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:            "exec",
			Command:         "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 4000,
		},
		Pipeline: PipelineConfig{
			ContextChars:  1000,
			MinAudioBytes: 1024,
			CallTimeoutMS: 45000,
		},
		STT: STTConfig{
			Mode:     "mock",
			Model:    "whisper-1",
			Language: "en",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Model:      "tts-1",
			SampleRate: 24000,
			Channels:   1,
		},
		Playback: PlaybackConfig{
			Mode:           "null",
			Command:        "aplay -q -f S16_LE -r 24000 -c 1",
			DecoderCommand: "ffmpeg -hide_banner -loglevel error -i pipe:0 -f s16le -ac 1 -ar 24000 pipe:1",
			SampleRate:     24000,
			PollIntervalMS: 100,
			RampMS:         100,
		},
		Simulation: SimulationConfig{
			InterChunkDelayMS: 4000,
		},
		Persona: PersonaConfig{
			Default: "sarah",
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
	overrideString(&cfg.RuntimeName, "LECTOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTOR_HTTP_PORT")
	overrideInt(&cfg.HTTP.StatusIntervalMS, "LECTOR_HTTP_STATUS_INTERVAL_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LECTOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LECTOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LECTOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LECTOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LECTOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LECTOR_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "LECTOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LECTOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LECTOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LECTOR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LECTOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LECTOR_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LECTOR_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "LECTOR_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LECTOR_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkDurationMS, "LECTOR_CAPTURE_CHUNK_DURATION_MS")
	overrideInt(&cfg.Pipeline.ContextChars, "LECTOR_PIPELINE_CONTEXT_CHARS")
	overrideInt(&cfg.Pipeline.MinAudioBytes, "LECTOR_PIPELINE_MIN_AUDIO_BYTES")
	overrideInt(&cfg.Pipeline.CallTimeoutMS, "LECTOR_PIPELINE_CALL_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "LECTOR_STT_MODE")
	overrideString(&cfg.STT.Command, "LECTOR_STT_COMMAND")
	overrideString(&cfg.STT.Model, "LECTOR_STT_MODEL")
	overrideString(&cfg.STT.Language, "LECTOR_STT_LANGUAGE")
	overrideString(&cfg.STT.APIKey, "LECTOR_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "LECTOR_STT_BASE_URL")
	overrideString(&cfg.LLM.Mode, "LECTOR_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LECTOR_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LECTOR_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LECTOR_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LECTOR_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "LECTOR_LLM_BASE_URL")
	overrideInt(&cfg.LLM.MaxTokens, "LECTOR_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LECTOR_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "LECTOR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LECTOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LECTOR_TTS_MODEL")
	overrideString(&cfg.TTS.APIKey, "LECTOR_TTS_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "LECTOR_TTS_BASE_URL")
	overrideInt(&cfg.TTS.SampleRate, "LECTOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LECTOR_TTS_CHANNELS")
	overrideString(&cfg.Playback.Mode, "LECTOR_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LECTOR_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.DecoderCommand, "LECTOR_PLAYBACK_DECODER_COMMAND")
	overrideInt(&cfg.Playback.SampleRate, "LECTOR_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.PollIntervalMS, "LECTOR_PLAYBACK_POLL_INTERVAL_MS")
	overrideInt(&cfg.Playback.RampMS, "LECTOR_PLAYBACK_RAMP_MS")
	overrideInt(&cfg.Simulation.InterChunkDelayMS, "LECTOR_SIMULATION_INTER_CHUNK_DELAY_MS")
	overrideString(&cfg.Persona.Default, "LECTOR_PERSONA_DEFAULT")

	// A single key for all openai-backed stages is the common case.
	if key, ok := os.LookupEnv("OPENAI_API_KEY"); ok && strings.TrimSpace(key) != "" {
		for _, target := range []*string{&cfg.STT.APIKey, &cfg.LLM.APIKey, &cfg.TTS.APIKey} {
			if *target == "" {
				*target = key
			}
		}
	}
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.StatusIntervalMS <= 0 {
		return errors.New("http.status_interval_ms must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
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
	switch cfg.Capture.Mode {
	case "exec", "stdin", "disabled":
	default:
		return errors.New("capture.mode must be one of exec|stdin|disabled")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkDurationMS <= 0 {
		return errors.New("capture.chunk_duration_ms must be positive")
	}
	if cfg.Pipeline.ContextChars <= 0 {
		return errors.New("pipeline.context_chars must be positive")
	}
	if cfg.Pipeline.MinAudioBytes < 0 {
		return errors.New("pipeline.min_audio_bytes must be >= 0")
	}
	if cfg.Pipeline.CallTimeoutMS <= 0 {
		return errors.New("pipeline.call_timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" {
		return errors.New("stt.api_key must be set when mode=openai")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=openai")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	switch cfg.Playback.Mode {
	case "exec", "null":
	default:
		return errors.New("playback.mode must be one of exec|null")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	if cfg.Playback.SampleRate <= 0 {
		return errors.New("playback.sample_rate must be positive")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.poll_interval_ms must be positive")
	}
	if cfg.Playback.RampMS < 0 {
		return errors.New("playback.ramp_ms must be >= 0")
	}
	if cfg.Simulation.InterChunkDelayMS < 0 {
		return errors.New("simulation.inter_chunk_delay_ms must be >= 0")
	}
	return nil
}
