package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/env"
	"github.com/aio-2030/aio-gateway/internal/normalize"
	"github.com/aio-2030/aio-gateway/internal/pipeline"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

// endpointConfig describes one transcription endpoint. Kind is "multipart"
// (the default) or "openai".
type endpointConfig struct {
	URL   string `yaml:"url"`
	Kind  string `yaml:"kind"`
	Token string `yaml:"token"`
	Label string `yaml:"label"`
	Model string `yaml:"model"`
}

// fileConfig is the optional YAML file named by GATEWAY_CONFIG.
type fileConfig struct {
	Transcribe struct {
		Endpoints []endpointConfig `yaml:"endpoints"`
		Timeout   time.Duration    `yaml:"timeout"`
	} `yaml:"transcribe"`
	Normalize struct {
		CacheSize     int           `yaml:"cache_size"`
		TTL           time.Duration `yaml:"ttl"`
		MaxAttempts   int           `yaml:"max_attempts"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"normalize"`
	Convert struct {
		FFmpeg  string        `yaml:"ffmpeg"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"convert"`
	Responder struct {
		Model        string `yaml:"model"`
		SystemPrompt string `yaml:"system_prompt"`
		MaxTokens    int    `yaml:"max_tokens"`
	} `yaml:"responder"`
}

type config struct {
	port      string
	logLevel  slog.Level
	endpoints []endpointConfig

	transcribeTimeout  time.Duration
	transcribePoolSize int

	openaiAPIKey       string
	openaiBaseURL      string
	responderModel     string
	responderPrompt    string
	responderMaxTokens int

	normalize normalize.Config

	traceDBURL            string
	maxConcurrentSessions int
	stopGrace             time.Duration
	targetSampleRate      int
	maxRecordingBytes     int
	ffmpegPath            string
	transcodeTimeout      time.Duration
}

// loadConfig reads the YAML file (if any) and then applies environment
// overrides on top of it.
func loadConfig() (config, error) {
	var fc fileConfig
	if path := env.Str("GATEWAY_CONFIG", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &fc); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg := config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		logLevel:           parseLevel(env.Str("LOG_LEVEL", "info")),
		endpoints:          fc.Transcribe.Endpoints,
		transcribeTimeout:  env.Duration("TRANSCRIBE_TIMEOUT", orDuration(fc.Transcribe.Timeout, pipeline.DefaultTranscribeTimeout)),
		transcribePoolSize: env.Int("TRANSCRIBE_POOL_SIZE", 20),
		openaiAPIKey:       env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:      env.Str("OPENAI_BASE_URL", ""),
		responderModel:     env.Str("RESPONDER_MODEL", orString(fc.Responder.Model, "gpt-4o-mini")),
		responderPrompt:    env.Str("RESPONDER_PROMPT", fc.Responder.SystemPrompt),
		responderMaxTokens: env.Int("RESPONDER_MAX_TOKENS", orInt(fc.Responder.MaxTokens, 512)),
		normalize: normalize.Config{
			CacheSize:     env.Int("NORMALIZE_CACHE_SIZE", orInt(fc.Normalize.CacheSize, normalize.DefaultCacheSize)),
			TTL:           env.Duration("NORMALIZE_CACHE_TTL", orDuration(fc.Normalize.TTL, normalize.DefaultTTL)),
			MaxAttempts:   env.Int("NORMALIZE_MAX_ATTEMPTS", orInt(fc.Normalize.MaxAttempts, normalize.DefaultMaxAttempts)),
			SweepInterval: env.Duration("NORMALIZE_SWEEP_INTERVAL", orDuration(fc.Normalize.SweepInterval, normalize.DefaultSweepInterval)),
		},
		traceDBURL:            env.Str("TRACE_DB_URL", ""),
		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),
		stopGrace:             env.Duration("RECORD_STOP_GRACE", voice.DefaultStopGrace),
		targetSampleRate:      env.Int("TARGET_SAMPLE_RATE", 16000),
		maxRecordingBytes:     env.Int("MAX_RECORDING_BYTES", 32<<20),
		ffmpegPath:            env.Str("FFMPEG_PATH", orString(fc.Convert.FFmpeg, "ffmpeg")),
		transcodeTimeout:      env.Duration("TRANSCODE_TIMEOUT", orDuration(fc.Convert.Timeout, audio.DefaultTranscodeTimeout)),
	}

	if urls := env.List("TRANSCRIBE_ENDPOINTS", nil); len(urls) > 0 {
		token := env.Str("TRANSCRIBE_TOKEN", "")
		cfg.endpoints = nil
		for _, u := range urls {
			cfg.endpoints = append(cfg.endpoints, parseEndpoint(u, token))
		}
	}
	for i, ep := range cfg.endpoints {
		if ep.URL == "" && ep.Kind != "openai" {
			return config{}, fmt.Errorf("transcription endpoint %d has no url", i)
		}
	}
	return cfg, nil
}

// parseEndpoint reads one TRANSCRIBE_ENDPOINTS entry. An "openai:" prefix
// selects the OpenAI-compatible client; "openai:" alone means the public API.
func parseEndpoint(entry, token string) endpointConfig {
	if rest, ok := strings.CutPrefix(entry, "openai:"); ok {
		return endpointConfig{URL: rest, Kind: "openai", Token: token}
	}
	return endpointConfig{URL: entry, Kind: "multipart", Token: token}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}
