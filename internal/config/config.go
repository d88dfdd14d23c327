package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultInitialPrompt primes the decoder toward software vocabulary.
const DefaultInitialPrompt = "commit, push, pull, git, merge, rebase, branch, repo, deploy, " +
	"API, endpoint, TypeScript, JavaScript, Python, npm, Docker, " +
	"Kubernetes, Claude, LLM"

// WhisperSampleRate is the only input rate whisper.cpp models accept.
const WhisperSampleRate = 16000

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type ServerConfig struct {
	Socket          string `yaml:"socket"`
	PIDFile         string `yaml:"pid_file"`
	SocketMode      uint32 `yaml:"socket_mode"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	DrainTimeoutMS  int    `yaml:"drain_timeout_ms"`
	ReadHeaderTimeS int    `yaml:"read_header_timeout_s"`
}

type ModelConfig struct {
	Backend     string `yaml:"backend"` // whispercpp, exec, mock
	Size        string `yaml:"size"`
	Path        string `yaml:"path"`
	Dir         string `yaml:"dir"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
	Threads     int    `yaml:"threads"`
	Command     string `yaml:"command"`
}

type VADConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MinSilenceMS int    `yaml:"min_silence_duration_ms"`
	SpeechPadMS  int    `yaml:"speech_pad_ms"`
	ModelPath    string `yaml:"model_path"`
}

type DecodingConfig struct {
	Language      string    `yaml:"language"`
	InitialPrompt string    `yaml:"initial_prompt"`
	VAD           VADConfig `yaml:"vad"`
}

type AudioConfig struct {
	TargetSampleRate int    `yaml:"target_sample_rate"`
	Resampler        string `yaml:"resampler"` // auto, hq, linear
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
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
	Subject        string   `yaml:"subject"`
	NodeID         string   `yaml:"node_id"`
	HeartbeatMS    int      `yaml:"heartbeat_interval_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Model       ModelConfig     `yaml:"model"`
	Decoding    DecodingConfig  `yaml:"decoding"`
	Audio       AudioConfig     `yaml:"audio"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	History     HistoryConfig   `yaml:"history"`
	Bus         BusConfig       `yaml:"bus"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-whisper",
		Environment: "development",
		Server: ServerConfig{
			SocketMode:      0o660,
			MaxBodyBytes:    100 << 20,
			DrainTimeoutMS:  2000,
			ReadHeaderTimeS: 5,
		},
		Model: ModelConfig{
			Backend: "whispercpp",
			Size:    "large-v3",
			Dir:     "./models",
			Device:  "auto",
		},
		Decoding: DecodingConfig{
			Language:      "en",
			InitialPrompt: DefaultInitialPrompt,
			VAD: VADConfig{
				Enabled:      true,
				MinSilenceMS: 200,
				SpeechPadMS:  100,
			},
		},
		Audio: AudioConfig{
			TargetSampleRate: WhisperSampleRate,
			Resampler:        "auto",
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		History: HistoryConfig{
			Path:          "./data/whisper-history.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRecords:    10000,
		},
		Bus: BusConfig{
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "stt.text.final",
			NodeID:         "loqa-whisper",
			HeartbeatMS:    5000,
		},
	}
}

// Load reads the optional YAML file at path and applies LOQA_WHISPER_*
// environment overrides. Call Validate once flags have been applied too.
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_WHISPER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_WHISPER_ENVIRONMENT")
	overrideString(&cfg.Server.Socket, "LOQA_WHISPER_SOCKET")
	overrideString(&cfg.Server.PIDFile, "LOQA_WHISPER_PID_FILE")
	overrideInt64(&cfg.Server.MaxBodyBytes, "LOQA_WHISPER_MAX_BODY_BYTES")
	overrideInt(&cfg.Server.DrainTimeoutMS, "LOQA_WHISPER_DRAIN_TIMEOUT_MS")
	overrideString(&cfg.Model.Backend, "LOQA_WHISPER_MODEL_BACKEND")
	overrideString(&cfg.Model.Size, "LOQA_WHISPER_MODEL_SIZE")
	overrideString(&cfg.Model.Path, "LOQA_WHISPER_MODEL_PATH")
	overrideString(&cfg.Model.Dir, "LOQA_WHISPER_MODEL_DIR")
	overrideString(&cfg.Model.Device, "LOQA_WHISPER_DEVICE")
	overrideString(&cfg.Model.ComputeType, "LOQA_WHISPER_COMPUTE_TYPE")
	overrideInt(&cfg.Model.Threads, "LOQA_WHISPER_THREADS")
	overrideString(&cfg.Model.Command, "LOQA_WHISPER_MODEL_COMMAND")
	overrideString(&cfg.Decoding.Language, "LOQA_WHISPER_LANGUAGE")
	overrideString(&cfg.Decoding.InitialPrompt, "LOQA_WHISPER_INITIAL_PROMPT")
	overrideBool(&cfg.Decoding.VAD.Enabled, "LOQA_WHISPER_VAD_ENABLED")
	overrideInt(&cfg.Decoding.VAD.MinSilenceMS, "LOQA_WHISPER_VAD_MIN_SILENCE_MS")
	overrideInt(&cfg.Decoding.VAD.SpeechPadMS, "LOQA_WHISPER_VAD_SPEECH_PAD_MS")
	overrideString(&cfg.Decoding.VAD.ModelPath, "LOQA_WHISPER_VAD_MODEL_PATH")
	overrideInt(&cfg.Audio.TargetSampleRate, "LOQA_WHISPER_TARGET_SAMPLE_RATE")
	overrideString(&cfg.Audio.Resampler, "LOQA_WHISPER_RESAMPLER")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_WHISPER_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_WHISPER_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_WHISPER_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_WHISPER_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_WHISPER_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_WHISPER_PROMETHEUS_BIND")
	overrideString(&cfg.History.Path, "LOQA_WHISPER_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_WHISPER_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_WHISPER_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "LOQA_WHISPER_HISTORY_MAX_RECORDS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_WHISPER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_WHISPER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_WHISPER_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_WHISPER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_WHISPER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_WHISPER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_WHISPER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_WHISPER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_WHISPER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Subject, "LOQA_WHISPER_BUS_SUBJECT")
	overrideString(&cfg.Bus.NodeID, "LOQA_WHISPER_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "LOQA_WHISPER_BUS_HEARTBEAT_MS")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

// Validate reports the first invalid setting. It runs after flag overrides,
// so callers invoke it explicitly once every source has been applied.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if strings.TrimSpace(cfg.Server.Socket) == "" {
		return errors.New("server.socket must not be empty")
	}
	if cfg.Server.SocketMode == 0 || cfg.Server.SocketMode > 0o777 {
		return errors.New("server.socket_mode must be a permission mask between 0001 and 0777")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if cfg.Server.DrainTimeoutMS < 0 {
		return errors.New("server.drain_timeout_ms must be >= 0")
	}
	switch cfg.Model.Backend {
	case "whispercpp", "exec", "mock":
	default:
		return errors.New("model.backend must be one of whispercpp|exec|mock")
	}
	if cfg.Model.Backend == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when backend=exec")
	}
	if cfg.Model.Backend == "whispercpp" && cfg.Model.Path == "" && cfg.Model.Size == "" {
		return errors.New("model.size or model.path must be set when backend=whispercpp")
	}
	switch cfg.Model.Device {
	case "auto", "cuda", "cpu":
	default:
		return errors.New("model.device must be one of auto|cuda|cpu")
	}
	if cfg.Model.Threads < 0 {
		return errors.New("model.threads must be >= 0")
	}
	if cfg.Decoding.Language == "" {
		return errors.New("decoding.language must not be empty")
	}
	if cfg.Decoding.VAD.MinSilenceMS < 0 || cfg.Decoding.VAD.SpeechPadMS < 0 {
		return errors.New("decoding.vad durations must be >= 0")
	}
	if cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio.target_sample_rate must be positive")
	}
	if cfg.Model.Backend == "whispercpp" {
		if cfg.Audio.TargetSampleRate != WhisperSampleRate {
			return errors.New("audio.target_sample_rate must be 16000 when backend=whispercpp")
		}
		if cfg.Decoding.VAD.ModelPath != "" {
			return errors.New("decoding.vad.model_path is only supported when backend=exec")
		}
	}
	switch cfg.Audio.Resampler {
	case "auto", "hq", "linear":
	default:
		return errors.New("audio.resampler must be one of auto|hq|linear")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when history is retained")
		}
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
		if cfg.Bus.NodeID == "" {
			return errors.New("bus.node_id must not be empty")
		}
		if cfg.Bus.HeartbeatMS <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
	}
	return nil
}
