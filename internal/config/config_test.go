package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// mapEnv is a test double for the process environment.
type mapEnv map[string]string

func (m mapEnv) lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok && v != ""
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	cfg, err := loadWith(b, mapEnv{}.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "" {
		t.Errorf("Database = %+v, want sqlite with empty dsn", cfg.Database)
	}
	if cfg.Blob.Backend != "local" {
		t.Errorf("Blob.Backend = %q, want local", cfg.Blob.Backend)
	}
	if cfg.Reasoning.Provider != "gemini" {
		t.Errorf("Reasoning.Provider = %q, want gemini", cfg.Reasoning.Provider)
	}
	if cfg.Reasoning.Timeout != 120*time.Second {
		t.Errorf("Reasoning.Timeout = %v, want 2m", cfg.Reasoning.Timeout)
	}
	if cfg.Extraction.Timeout != 60*time.Second {
		t.Errorf("Extraction.Timeout = %v, want 1m", cfg.Extraction.Timeout)
	}
	if got := cfg.Extraction.MaxUploadBytes(); got != 50<<20 {
		t.Errorf("MaxUploadBytes = %d, want %d", got, 50<<20)
	}
	if cfg.RateLimit.Requests != 100 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit = %+v, want 100 per minute", cfg.RateLimit)
	}
	if cfg.Events.Keepalive != 15*time.Second || cfg.Events.Buffer != 32 {
		t.Errorf("Events = %+v", cfg.Events)
	}
	if !strings.HasSuffix(cfg.Storage.DataDir, "casepipe") {
		t.Errorf("Storage.DataDir = %q, want a casepipe directory", cfg.Storage.DataDir)
	}
}

// TestJSONParsing verifies that values are read from the config file.
func TestJSONParsing(t *testing.T) {
	b := writeTempConfig(t, `{
  "server.port": 5100,
  "storage.data_dir": "/tmp/casepipe-test",
  "database.driver": "postgres",
  "database.dsn": "postgres://localhost/casepipe",
  "reasoning.provider": "ollama",
  "reasoning.timeout": "45s",
  "extraction.ocr_enabled": true,
  "ingest.concurrency": "8",
  "ratelimit.window": "30"
}`)

	cfg, err := loadWith(b, mapEnv{}.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/casepipe-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/casepipe" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Reasoning.Provider != "ollama" {
		t.Errorf("Reasoning.Provider = %q", cfg.Reasoning.Provider)
	}
	if cfg.Reasoning.Timeout != 45*time.Second {
		t.Errorf("Reasoning.Timeout = %v, want 45s", cfg.Reasoning.Timeout)
	}
	if !cfg.Extraction.OCREnabled {
		t.Error("Extraction.OCREnabled = false, want true")
	}
	if cfg.Ingest.Concurrency != 8 {
		t.Errorf("Ingest.Concurrency = %d, want 8", cfg.Ingest.Concurrency)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit.Window = %v, want 30s", cfg.RateLimit.Window)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 5100, "reasoning.model": "file-model"}`)

	env := mapEnv{
		"CASEPIPE_SERVER_PORT":      "6100",
		"CASEPIPE_REASONING_MODEL":  "env-model",
		"CASEPIPE_EVENTS_KEEPALIVE": "5s",
	}
	cfg, err := loadWith(b, env.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6100 {
		t.Errorf("Server.Port = %d, want 6100", cfg.Server.Port)
	}
	if cfg.Reasoning.Model != "env-model" {
		t.Errorf("Reasoning.Model = %q, want env-model", cfg.Reasoning.Model)
	}
	if cfg.Events.Keepalive != 5*time.Second {
		t.Errorf("Events.Keepalive = %v, want 5s", cfg.Events.Keepalive)
	}
}

// TestConventionalEnvNames verifies the well-known variables are honoured
// and that the CASEPIPE_ form wins when both are set.
func TestConventionalEnvNames(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	cfg, err := loadWith(b, mapEnv{
		"GEMINI_API_KEY": "gem-key",
		"DATABASE_URL":   "postgres://url",
	}.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Reasoning.GeminiAPIKey != "gem-key" {
		t.Errorf("GeminiAPIKey = %q, want gem-key", cfg.Reasoning.GeminiAPIKey)
	}
	if cfg.Database.DSN != "postgres://url" {
		t.Errorf("Database.DSN = %q, want postgres://url", cfg.Database.DSN)
	}

	cfg, err = loadWith(b, mapEnv{
		"GEMINI_API_KEY":          "gem-key",
		"CASEPIPE_GEMINI_API_KEY": "own-key",
	}.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Reasoning.GeminiAPIKey != "own-key" {
		t.Errorf("GeminiAPIKey = %q, want own-key", cfg.Reasoning.GeminiAPIKey)
	}
}

// TestSecretsIgnoredInFile verifies secrets are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	b := writeTempConfig(t, `{"server.token": "file-token", "reasoning.gemini_api_key": "file-key"}`)

	cfg, err := loadWith(b, mapEnv{}.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Token != "" || cfg.Reasoning.GeminiAPIKey != "" {
		t.Errorf("secrets loaded from file: token=%q key=%q", cfg.Server.Token, cfg.Reasoning.GeminiAPIKey)
	}
}

// TestBadValuesFallBack verifies unparsable values keep their defaults.
func TestBadValuesFallBack(t *testing.T) {
	b := writeTempConfig(t, `{"reasoning.timeout": "soon", "extraction.stt_enabled": "maybe"}`)

	cfg, err := loadWith(b, mapEnv{
		"CASEPIPE_RATELIMIT_REQUESTS": "lots",
		"CASEPIPE_EVENTS_KEEPALIVE":   "-5s",
	}.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Reasoning.Timeout != 120*time.Second {
		t.Errorf("Reasoning.Timeout = %v, want default", cfg.Reasoning.Timeout)
	}
	if cfg.Extraction.STTEnabled {
		t.Error("Extraction.STTEnabled = true, want default false")
	}
	if cfg.RateLimit.Requests != 100 {
		t.Errorf("RateLimit.Requests = %d, want default", cfg.RateLimit.Requests)
	}
	if cfg.Events.Keepalive != 15*time.Second {
		t.Errorf("Events.Keepalive = %v, want default", cfg.Events.Keepalive)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	b := newFileBackend(path)

	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"server.port", "4200", false},
		{"server.port", "many", true},
		{"ingest.auto_extract", "false", false},
		{"ingest.auto_extract", "sometimes", true},
		{"reasoning.timeout", "90s", false},
		{"reasoning.timeout", "later", true},
		{"reasoning.provider", "openrouter", false},
		{"server.token", "secret", true},
		{"no.such.key", "x", true},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("setKey(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}

	cfg, err := loadWith(newFileBackend(path), mapEnv{}.lookup)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Ingest.AutoExtract {
		t.Error("Ingest.AutoExtract = true, want false")
	}
	if cfg.Reasoning.Timeout != 90*time.Second {
		t.Errorf("Reasoning.Timeout = %v, want 90s", cfg.Reasoning.Timeout)
	}
	if cfg.Reasoning.Provider != "openrouter" {
		t.Errorf("Reasoning.Provider = %q, want openrouter", cfg.Reasoning.Provider)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "hidden"

	var settable []string
	secrets := map[string]string{}
	for _, ki := range ShowAll(cfg) {
		if ki.Value == "hidden" {
			t.Errorf("secret value shown for %s", ki.Key)
		}
		if ki.Secret {
			secrets[ki.Key] = ki.Value
			continue
		}
		settable = append(settable, ki.Key)
	}
	if !slices.Equal(settable, ValidKeys()) {
		t.Errorf("non-secret keys %v differ from ValidKeys %v", settable, ValidKeys())
	}
	if secrets["server.token"] != "(set)" {
		t.Errorf("server.token = %q, want (set)", secrets["server.token"])
	}
	if secrets["reasoning.gemini_api_key"] != "(not set)" {
		t.Errorf("reasoning.gemini_api_key = %q, want (not set)", secrets["reasoning.gemini_api_key"])
	}
	for _, key := range ValidKeys() {
		if _, ok := secrets[key]; ok {
			t.Errorf("secret key %s is settable", key)
		}
	}
}

func TestUnsetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := unsetKey(b, "server.port"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	if err := unsetKey(b, "server.token"); err == nil {
		t.Error("expected error unsetting a secret")
	}
	if err := unsetKey(b, "no.such.key"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(newFileBackend(path), mapEnv{}.lookup)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"} {
		if got := (LogConfig{Level: level}).SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", level, got, want)
		}
	}
}

func TestFileBackend_NestedUnknownAndSecretKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"port": 4300, "token": "file-token"},
		"reasoning.provider": "ollama",
		"reasoning": {"timeout": "45s"},
		"colour": "blue"
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var warn bytes.Buffer
	b := newFileBackendWarn(path, &warn)
	cfg, err := loadWith(b, mapEnv{}.lookup)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4300 {
		t.Errorf("Server.Port = %d, want 4300 from nested object", cfg.Server.Port)
	}
	if cfg.Reasoning.Provider != "ollama" || cfg.Reasoning.Timeout != 45*time.Second {
		t.Errorf("Reasoning = %+v", cfg.Reasoning)
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, want secret ignored", cfg.Server.Token)
	}
	for _, want := range []string{`unknown config key "colour"`, `secret "server.token"`, "CASEPIPE_SERVER_TOKEN"} {
		if !strings.Contains(warn.String(), want) {
			t.Errorf("warnings missing %q:\n%s", want, warn.String())
		}
	}

	// Saving rewrites only known, non-secret keys in flat form.
	if err := setKey(b, "log.level", "debug"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var saved map[string]any
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("saved config is not JSON: %v", err)
	}
	if _, ok := saved["server.token"]; ok {
		t.Error("secret written back to config file")
	}
	if _, ok := saved["colour"]; ok {
		t.Error("unknown key written back to config file")
	}
	if saved["server.port"] != float64(4300) || saved["log.level"] != "debug" {
		t.Errorf("saved = %v", saved)
	}
}
