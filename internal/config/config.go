package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	TTS         TTSConfig         `yaml:"tts"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Filter      FilterConfig      `yaml:"filter"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path            string `yaml:"path"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxEntries      int    `yaml:"max_entries"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
}

type TTSConfig struct {
	// Enabled is the initial state of the ttson/ttsoff toggle.
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // openai, exec, mock
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	Voice           string `yaml:"voice"`
	Format          string `yaml:"response_format"`
	Command         string `yaml:"command"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	AudioDir        string `yaml:"audio_dir"`
	AudioMaxAgeMS   int    `yaml:"audio_max_age_ms"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
}

type SchedulerConfig struct {
	Mode              string `yaml:"mode"` // deterministic, randomized
	CycleLength       int    `yaml:"cycle_length"`
	TriggerPercentage int    `yaml:"trigger_percentage"`
}

type FilterConfig struct {
	ThinkingKeywords []string `yaml:"thinking_keywords"`
	SegmentPattern   string   `yaml:"segment_pattern"`
	BracketPattern   string   `yaml:"bracket_pattern"`
}

type DispatchConfig struct {
	PacingMS int `yaml:"pacing_ms"`
}

type InterceptorConfig struct {
	CommandPrefix    string   `yaml:"command_prefix"`
	ExcludedCommands []string `yaml:"excluded_commands"`
	MaxConcurrency   int      `yaml:"max_concurrency"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speak",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:            "./data/loqa-speak.db",
			RetentionMode:   "session",
			RetentionDays:   30,
			MaxEntries:      100000,
			PruneIntervalMS: 3600000,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "openai",
			BaseURL:         "https://api.openai.com/v1",
			Model:           "tts-1",
			Voice:           "nova",
			Format:          "mp3",
			TimeoutMS:       30000,
			AudioDir:        "./data/audio",
			AudioMaxAgeMS:   3600000,
			SweepIntervalMS: 600000,
		},
		Scheduler: SchedulerConfig{
			Mode:              "deterministic",
			CycleLength:       100,
			TriggerPercentage: 30,
		},
		Filter: FilterConfig{
			ThinkingKeywords: []string{"<think>", "</think>", "<thinking>", "</thinking>"},
			SegmentPattern:   "。！？.!?",
			BracketPattern:   `（[^）]*）|\([^)]*\)`,
		},
		Dispatch: DispatchConfig{
			PacingMS: 400,
		},
		Interceptor: InterceptorConfig{
			CommandPrefix: "/",
			ExcludedCommands: []string{
				"help", "new", "plugin", "t2i", "tts", "sid", "op", "wl",
				"dashboard_update", "alter_cmd", "llm", "provider", "model",
				"ls", "groupnew", "switch", "rename", "del", "reset",
				"history", "persona", "tool", "key", "websearch", "ttson", "ttsoff",
			},
			MaxConcurrency: 16,
		},
	}
}

// maxCycleLength matches scheduler.MaxCycleLength.
const maxCycleLength = 1_000_000

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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_SPEAK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SPEAK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SPEAK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SPEAK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SPEAK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SPEAK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SPEAK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_SPEAK_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SPEAK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SPEAK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_SPEAK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SPEAK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SPEAK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SPEAK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SPEAK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SPEAK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SPEAK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_SPEAK_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LOQA_SPEAK_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_SPEAK_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxEntries, "LOQA_SPEAK_STORE_MAX_ENTRIES")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_SPEAK_STORE_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "LOQA_SPEAK_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_SPEAK_TTS_MODE")
	overrideString(&cfg.TTS.BaseURL, "LOQA_SPEAK_TTS_BASE_URL")
	overrideString(&cfg.TTS.APIKey, "LOQA_SPEAK_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "LOQA_SPEAK_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_SPEAK_TTS_VOICE")
	overrideString(&cfg.TTS.Command, "LOQA_SPEAK_TTS_COMMAND")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_SPEAK_TTS_TIMEOUT_MS")
	overrideString(&cfg.TTS.AudioDir, "LOQA_SPEAK_TTS_AUDIO_DIR")
	overrideString(&cfg.Scheduler.Mode, "LOQA_SPEAK_SCHEDULER_MODE")
	overrideInt(&cfg.Scheduler.CycleLength, "LOQA_SPEAK_SCHEDULER_CYCLE_LENGTH")
	overrideInt(&cfg.Scheduler.TriggerPercentage, "LOQA_SPEAK_SCHEDULER_TRIGGER_PERCENTAGE")
	overrideStringSlice(&cfg.Filter.ThinkingKeywords, "LOQA_SPEAK_FILTER_THINKING_KEYWORDS")
	overrideString(&cfg.Filter.SegmentPattern, "LOQA_SPEAK_FILTER_SEGMENT_PATTERN")
	overrideString(&cfg.Filter.BracketPattern, "LOQA_SPEAK_FILTER_BRACKET_PATTERN")
	overrideInt(&cfg.Dispatch.PacingMS, "LOQA_SPEAK_DISPATCH_PACING_MS")
	overrideString(&cfg.Interceptor.CommandPrefix, "LOQA_SPEAK_INTERCEPTOR_COMMAND_PREFIX")
	overrideInt(&cfg.Interceptor.MaxConcurrency, "LOQA_SPEAK_INTERCEPTOR_MAX_CONCURRENCY")

	// The upstream OpenAI variable is honoured when no explicit key is set.
	if cfg.TTS.APIKey == "" {
		overrideString(&cfg.TTS.APIKey, "OPENAI_API_KEY")
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

// Validate reports the first configuration error. It is also used to vet
// configuration reloads before they are applied.
func Validate(cfg Config) error {
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxEntries < 0 {
		return errors.New("store.max_entries must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "openai", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of openai|exec|mock")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.BaseURL == "" {
		return errors.New("tts.base_url must be set when mode=openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.AudioDir == "" {
		return errors.New("tts.audio_dir must not be empty")
	}
	switch cfg.Scheduler.Mode {
	case "deterministic", "randomized":
	default:
		return errors.New("scheduler.mode must be one of deterministic|randomized")
	}
	if cfg.Scheduler.CycleLength <= 0 {
		return errors.New("scheduler.cycle_length must be positive")
	}
	if cfg.Scheduler.CycleLength > maxCycleLength {
		return fmt.Errorf("scheduler.cycle_length must be at most %d", maxCycleLength)
	}
	if cfg.Scheduler.TriggerPercentage < 0 || cfg.Scheduler.TriggerPercentage > 100 {
		return errors.New("scheduler.trigger_percentage must be between 0 and 100")
	}
	if strings.TrimSpace(cfg.Filter.SegmentPattern) == "" {
		return errors.New("filter.segment_pattern must not be empty")
	}
	if _, err := regexp.Compile(cfg.Filter.BracketPattern); err != nil {
		return fmt.Errorf("filter.bracket_pattern is not a valid regular expression: %w", err)
	}
	if cfg.Dispatch.PacingMS < 0 {
		return errors.New("dispatch.pacing_ms must be >= 0")
	}
	if cfg.Interceptor.MaxConcurrency <= 0 {
		return errors.New("interceptor.max_concurrency must be >= 1")
	}
	return nil
}

// Level maps log_level onto a slog level.
func (c TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
