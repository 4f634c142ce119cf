package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	os.WriteFile(path, []byte(`
transcribe:
  timeout: 5s
  endpoints:
    - url: http://whisper:9000/inference
      label: local
    - kind: openai
      model: whisper-1
normalize:
  cache_size: 50
  ttl: 2m
`), 0o644)
	t.Setenv("GATEWAY_CONFIG", path)
	t.Setenv("NORMALIZE_MAX_ATTEMPTS", "7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.endpoints) != 2 || cfg.endpoints[0].Label != "local" || cfg.endpoints[1].Kind != "openai" {
		t.Errorf("endpoints = %+v", cfg.endpoints)
	}
	if cfg.transcribeTimeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.transcribeTimeout)
	}
	if cfg.normalize.CacheSize != 50 || cfg.normalize.TTL != 2*time.Minute || cfg.normalize.MaxAttempts != 7 {
		t.Errorf("normalize = %+v", cfg.normalize)
	}
	if cfg.logLevel != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.logLevel)
	}
}

func TestEndpointListOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	os.WriteFile(path, []byte("transcribe:\n  endpoints:\n    - url: http://file\n"), 0o644)
	t.Setenv("GATEWAY_CONFIG", path)
	t.Setenv("TRANSCRIBE_ENDPOINTS", "http://a/transcribe, openai:https://api.example.com/v1")
	t.Setenv("TRANSCRIBE_TOKEN", "tok")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := []endpointConfig{
		{URL: "http://a/transcribe", Kind: "multipart", Token: "tok"},
		{URL: "https://api.example.com/v1", Kind: "openai", Token: "tok"},
	}
	if len(cfg.endpoints) != len(want) {
		t.Fatalf("endpoints = %+v", cfg.endpoints)
	}
	for i := range want {
		if cfg.endpoints[i] != want[i] {
			t.Errorf("endpoint %d = %+v, want %+v", i, cfg.endpoints[i], want[i])
		}
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfig(); err == nil {
		t.Error("missing config file should fail")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("transcribe:\n  endpoints:\n    - label: nourl\n"), 0o644)
	t.Setenv("GATEWAY_CONFIG", path)
	if _, err := loadConfig(); err == nil {
		t.Error("endpoint without url should fail")
	}
}
