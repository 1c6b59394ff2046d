package config

import (
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Blob       BlobConfig
	Reasoning  ReasoningConfig
	Extraction ExtractionConfig
	Ingest     IngestConfig
	RateLimit  RateLimitConfig
	Events     EventsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host  string
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

// DatabaseConfig selects the durable store. An empty DSN runs on the
// in-memory store alone.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

type BlobConfig struct {
	Backend               string
	AzureContainer        string
	AzureConnectionString string
}

type ReasoningConfig struct {
	Provider         string
	Model            string
	BaseURL          string
	Timeout          time.Duration
	GeminiAPIKey     string
	OpenRouterAPIKey string
}

type ExtractionConfig struct {
	Timeout     time.Duration
	MaxUploadMB int
	OCREnabled  bool
	STTEnabled  bool
}

// MaxUploadBytes is the per-file upload ceiling.
func (c ExtractionConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

type IngestConfig struct {
	AutoExtract  bool
	PollInterval time.Duration
	Concurrency  int
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type EventsConfig struct {
	Keepalive time.Duration
	Buffer    int
}

type LogConfig struct {
	Level string
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Blob: BlobConfig{
			Backend:        "local",
			AzureContainer: "casepipe",
		},
		Reasoning: ReasoningConfig{
			Provider: "gemini",
			Timeout:  120 * time.Second,
		},
		Extraction: ExtractionConfig{
			Timeout:     60 * time.Second,
			MaxUploadMB: 50,
		},
		Ingest: IngestConfig{
			AutoExtract:  true,
			PollInterval: 2 * time.Second,
			Concurrency:  4,
		},
		RateLimit: RateLimitConfig{
			Requests: 100,
			Window:   time.Minute,
		},
		Events: EventsConfig{
			Keepalive: 15 * time.Second,
			Buffer:    32,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/casepipe/config.json, then applies environment
// overrides (CASEPIPE_* plus the conventional GEMINI_API_KEY and
// DATABASE_URL). Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), lookupEnv)
}

func loadWith(b ConfigBackend, env envLookup) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg, env)

	return cfg, nil
}
