package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	aliases []string // conventional env names, consulted when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CASEPIPE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CASEPIPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "CASEPIPE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CASEPIPE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "database.driver", typ: kString, env: "CASEPIPE_DATABASE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Database.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.Driver },
	},
	{
		key: "database.dsn", typ: kString, env: "CASEPIPE_DATABASE_DSN",
		aliases: []string{"DATABASE_URL"},
		apply:   func(cfg *Config, v any) { cfg.Database.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.DSN },
	},
	{
		key: "blob.backend", typ: kString, env: "CASEPIPE_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.azure_container", typ: kString, env: "CASEPIPE_BLOB_AZURE_CONTAINER",
		apply:   func(cfg *Config, v any) { cfg.Blob.AzureContainer = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.AzureContainer },
	},
	{
		key: "blob.azure_connection_string", typ: kString, env: "CASEPIPE_BLOB_AZURE_CONNECTION_STRING",
		aliases: []string{"AZURE_STORAGE_CONNECTION_STRING"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.AzureConnectionString = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.AzureConnectionString },
	},
	{
		key: "reasoning.provider", typ: kString, env: "CASEPIPE_REASONING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.Provider },
	},
	{
		key: "reasoning.model", typ: kString, env: "CASEPIPE_REASONING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.Model },
	},
	{
		key: "reasoning.base_url", typ: kString, env: "CASEPIPE_REASONING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.BaseURL },
	},
	{
		key: "reasoning.timeout", typ: kDuration, env: "CASEPIPE_REASONING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reasoning.Timeout },
	},
	{
		key: "reasoning.gemini_api_key", typ: kString, env: "CASEPIPE_GEMINI_API_KEY",
		aliases: []string{"GEMINI_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Reasoning.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.GeminiAPIKey },
	},
	{
		key: "reasoning.openrouter_api_key", typ: kString, env: "CASEPIPE_OPENROUTER_API_KEY",
		aliases: []string{"OPENROUTER_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Reasoning.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.OpenRouterAPIKey },
	},
	{
		key: "extraction.timeout", typ: kDuration, env: "CASEPIPE_EXTRACTION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Extraction.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Extraction.Timeout },
	},
	{
		key: "extraction.max_upload_mb", typ: kInt, env: "CASEPIPE_EXTRACTION_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Extraction.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Extraction.MaxUploadMB },
	},
	{
		key: "extraction.ocr_enabled", typ: kBool, env: "CASEPIPE_EXTRACTION_OCR_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Extraction.OCREnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Extraction.OCREnabled },
	},
	{
		key: "extraction.stt_enabled", typ: kBool, env: "CASEPIPE_EXTRACTION_STT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Extraction.STTEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Extraction.STTEnabled },
	},
	{
		key: "ingest.auto_extract", typ: kBool, env: "CASEPIPE_INGEST_AUTO_EXTRACT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.AutoExtract = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.AutoExtract },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "CASEPIPE_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.concurrency", typ: kInt, env: "CASEPIPE_INGEST_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Concurrency },
	},
	{
		key: "ratelimit.requests", typ: kInt, env: "CASEPIPE_RATELIMIT_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Requests = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Requests },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "CASEPIPE_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "events.keepalive", typ: kDuration, env: "CASEPIPE_EVENTS_KEEPALIVE",
		apply:   func(cfg *Config, v any) { cfg.Events.Keepalive = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Events.Keepalive },
	},
	{
		key: "events.buffer", typ: kInt, env: "CASEPIPE_EVENTS_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Events.Buffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Events.Buffer },
	},
	{
		key: "log.level", typ: kString, env: "CASEPIPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

var specByKey = func() map[string]keySpec {
	m := make(map[string]keySpec, len(specs))
	for _, s := range specs {
		m[s.key] = s
	}
	return m
}()

type envLookup func(string) (string, bool)

func lookupEnv(name string) (string, bool) {
	v := os.Getenv(name)
	return v, v != ""
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, env envLookup) {
	for _, s := range specs {
		name, raw, ok := s.lookup(env)
		if !ok {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}

func (s keySpec) lookup(env envLookup) (name, val string, ok bool) {
	if s.env != "" {
		if v, ok := env(s.env); ok {
			return s.env, v, true
		}
	}
	for _, a := range s.aliases {
		if v, ok := env(a); ok {
			return a, v, true
		}
	}
	return "", "", false
}

// parseDuration accepts Go duration strings and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}
