package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	NLU         NLUConfig       `yaml:"nlu"`
	Programs    ProgramsConfig  `yaml:"programs"`
	Device      DeviceConfig    `yaml:"device"`
	Audit       AuditConfig     `yaml:"audit"`
	STT         STTConfig       `yaml:"stt"`
	TTS         TTSConfig       `yaml:"tts"`
	Router      RouterConfig    `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NLUConfig struct {
	SynonymsPath string `yaml:"synonyms_path"`
	SuffixesPath string `yaml:"suffixes_path"`
}

type ProgramsConfig struct {
	Path string `yaml:"path"`
}

type DeviceConfig struct {
	Mode             string `yaml:"mode"` // mock, sim
	NamePrefix       string `yaml:"name_prefix"`
	ScanTimeoutMS    int    `yaml:"scan_timeout_ms"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	ShotCooldownMS   int    `yaml:"shot_cooldown_ms"`
	SyncToleranceMS  int    `yaml:"sync_tolerance_ms"`
	MinWriteLatency  int    `yaml:"min_write_latency_ms"`
}

type AuditConfig struct {
	Path          string `yaml:"path"`
	LogPath       string `yaml:"log_path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxCommands   int    `yaml:"max_commands"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type RouterConfig struct {
	Enabled           bool `yaml:"enabled"`
	Simulate          bool `yaml:"simulate"`
	DefaultBalls      int  `yaml:"default_balls"`
	DefaultIntervalMS int  `yaml:"default_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "rally-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		NLU: NLUConfig{
			SynonymsPath: "./config/aliases.yaml",
			SuffixesPath: "./config/suffixes.yaml",
		},
		Programs: ProgramsConfig{
			Path: "./config/programs.yaml",
		},
		Device: DeviceConfig{
			Mode:             "mock",
			NamePrefix:       "YX-BE241",
			ScanTimeoutMS:    10000,
			ConnectTimeoutMS: 10000,
			ShotCooldownMS:   500,
			SyncToleranceMS:  100,
			MinWriteLatency:  50,
		},
		Audit: AuditConfig{
			Path:          "./data/rally-audit.db",
			LogPath:       "./logs/commands.jsonl",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxCommands:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			Voice:           "zh-TW",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Router: RouterConfig{
			Enabled:           true,
			Simulate:          false,
			DefaultBalls:      10,
			DefaultIntervalMS: 3000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env overrides are a complete configuration.
		case err != nil:
			return cfg, &Error{Section: "config", Reason: err.Error()}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, &Error{Section: "config", Reason: err.Error()}
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Error marks structurally invalid configuration. Absent optional data is
// handled by embedded fallback tables elsewhere and never produces one.
type Error struct {
	Section string
	Reason  string
}

func (e *Error) Error() string {
	return "config: " + e.Section + ": " + e.Reason
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RALLY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RALLY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RALLY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RALLY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RALLY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RALLY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RALLY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "RALLY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "RALLY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RALLY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "RALLY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RALLY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RALLY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RALLY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RALLY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RALLY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.NLU.SynonymsPath, "RALLY_NLU_SYNONYMS_PATH")
	overrideString(&cfg.NLU.SuffixesPath, "RALLY_NLU_SUFFIXES_PATH")
	overrideString(&cfg.Programs.Path, "RALLY_PROGRAMS_PATH")
	overrideString(&cfg.Device.Mode, "RALLY_DEVICE_MODE")
	overrideString(&cfg.Device.NamePrefix, "RALLY_DEVICE_NAME_PREFIX")
	overrideInt(&cfg.Device.ScanTimeoutMS, "RALLY_DEVICE_SCAN_TIMEOUT_MS")
	overrideInt(&cfg.Device.ConnectTimeoutMS, "RALLY_DEVICE_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Device.ShotCooldownMS, "RALLY_DEVICE_SHOT_COOLDOWN_MS")
	overrideInt(&cfg.Device.SyncToleranceMS, "RALLY_DEVICE_SYNC_TOLERANCE_MS")
	overrideInt(&cfg.Device.MinWriteLatency, "RALLY_DEVICE_MIN_WRITE_LATENCY_MS")
	overrideString(&cfg.Audit.Path, "RALLY_AUDIT_PATH")
	overrideString(&cfg.Audit.LogPath, "RALLY_AUDIT_LOG_PATH")
	overrideString(&cfg.Audit.RetentionMode, "RALLY_AUDIT_RETENTION_MODE")
	overrideInt(&cfg.Audit.RetentionDays, "RALLY_AUDIT_RETENTION_DAYS")
	overrideInt(&cfg.Audit.MaxCommands, "RALLY_AUDIT_MAX_COMMANDS")
	overrideBool(&cfg.Audit.VacuumOnStart, "RALLY_AUDIT_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "RALLY_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "RALLY_STT_MODE")
	overrideString(&cfg.STT.Command, "RALLY_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "RALLY_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "RALLY_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "RALLY_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "RALLY_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "RALLY_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "RALLY_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "RALLY_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.TTS.Enabled, "RALLY_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "RALLY_TTS_MODE")
	overrideString(&cfg.TTS.Command, "RALLY_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "RALLY_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "RALLY_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "RALLY_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "RALLY_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.Router.Enabled, "RALLY_ROUTER_ENABLED")
	overrideBool(&cfg.Router.Simulate, "RALLY_ROUTER_SIMULATE")
	overrideInt(&cfg.Router.DefaultBalls, "RALLY_ROUTER_DEFAULT_BALLS")
	overrideInt(&cfg.Router.DefaultIntervalMS, "RALLY_ROUTER_DEFAULT_INTERVAL_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Device.Mode {
	case "mock", "sim":
	default:
		return errors.New("device.mode must be one of mock|sim")
	}
	if cfg.Device.ConnectTimeoutMS <= 0 {
		return errors.New("device.connect_timeout_ms must be positive")
	}
	if cfg.Device.ShotCooldownMS < 0 {
		return errors.New("device.shot_cooldown_ms must be >= 0")
	}
	if cfg.Device.SyncToleranceMS <= 0 {
		return errors.New("device.sync_tolerance_ms must be positive")
	}
	if cfg.Audit.Path == "" {
		return errors.New("audit.path must not be empty")
	}
	switch cfg.Audit.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("audit.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Router.Enabled {
		if cfg.Router.DefaultBalls <= 0 {
			return errors.New("router.default_balls must be positive")
		}
		if cfg.Router.DefaultIntervalMS < 0 {
			return errors.New("router.default_interval_ms must be >= 0")
		}
	}
	return nil
}
