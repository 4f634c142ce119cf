package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/mcpserver"
	"github.com/aio-2030/aio-gateway/internal/normalize"
	"github.com/aio-2030/aio-gateway/internal/pipeline"
	"github.com/aio-2030/aio-gateway/internal/trace"
	"github.com/aio-2030/aio-gateway/internal/voice"
	"github.com/aio-2030/aio-gateway/internal/ws"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Transcription endpoints, tried in configured order.
	httpClient := pipeline.NewHTTPClient(pipeline.ClientConfig{
		PoolSize:  cfg.transcribePoolSize,
		Timeout:   cfg.transcribeTimeout + 5*time.Second,
		UserAgent: "aio-gateway/" + version,
	})
	endpoints := make([]pipeline.Endpoint, 0, len(cfg.endpoints))
	for _, ep := range cfg.endpoints {
		endpoints = append(endpoints, newEndpoint(ep, cfg, httpClient))
	}
	if len(endpoints) == 0 {
		slog.Warn("no transcription endpoints configured; /api/transcribe and /ws/record will fail")
	}
	transcriber := pipeline.NewTranscriber(endpoints, cfg.transcribeTimeout)

	normalizer := normalize.New(cfg.normalize)
	go normalizer.Run(ctx)

	var replier pipeline.Replier
	if cfg.openaiAPIKey != "" || cfg.openaiBaseURL != "" {
		replier = pipeline.NewResponder(pipeline.ResponderConfig{
			APIKey:       cfg.openaiAPIKey,
			BaseURL:      cfg.openaiBaseURL,
			Model:        cfg.responderModel,
			SystemPrompt: cfg.responderPrompt,
			MaxTokens:    cfg.responderMaxTokens,
			Normalizer:   normalizer,
		})
		slog.Info("responder enabled", "model", cfg.responderModel)
	}

	// Closed traces are exported to Postgres when a database is configured.
	var traceStore *trace.Store
	var sink *trace.AsyncSink
	regCfg := trace.RegistryConfig{}
	if cfg.traceDBURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		traceStore, err = trace.Open(openCtx, cfg.traceDBURL)
		cancel()
		if err != nil {
			slog.Warn("trace store disabled", "error", err)
		} else {
			sink = trace.NewAsyncSink(traceStore)
			regCfg.Sink = sink
		}
	}
	traces := trace.NewRegistry(regCfg)

	transcoder := audio.NewTranscoder(cfg.ffmpegPath, cfg.transcodeTimeout)
	if transcoder == nil {
		slog.Warn("ffmpeg not found, webm and ogg recordings will be relabeled instead of converted", "ffmpeg", cfg.ffmpegPath)
	}

	voicePipeline := pipeline.NewVoicePipeline(pipeline.VoiceConfig{
		Speech:  transcriber,
		Replier: replier,
		Traces:  traces,
		Convert: voice.ConvertOptions{TargetSampleRate: cfg.targetSampleRate, Transcoder: transcoder},
	})
	previews := voice.NewPreviewStore("/api/voice/preview/")

	mcpSrv := mcpserver.NewServer(mcpserver.Config{
		Version:    version,
		Normalizer: normalizer,
		Traces:     traces,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		pipeline:    voicePipeline,
		transcriber: transcriber,
		normalizer:  normalizer,
		traces:      traces,
		traceStore:  traceStore,
		previews:    previews,
		wsHandler: ws.NewHandler(ws.HandlerConfig{
			Pipeline:          voicePipeline,
			Previews:          previews,
			MaxConcurrent:     cfg.maxConcurrentSessions,
			StopGrace:         cfg.stopGrace,
			MaxRecordingBytes: cfg.maxRecordingBytes,
		}),
		mcpHandler: mcpserver.Handler(mcpSrv),
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"endpoints", transcriber.Endpoints(),
		"max_concurrent", cfg.maxConcurrentSessions,
		"trace_store", traceStore != nil,
	)

	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-shutdownDone

	sink.Close()
	if traceStore != nil {
		traceStore.Close()
	}
	slog.Info("gateway stopped")
}

func newEndpoint(ep endpointConfig, cfg config, client *http.Client) pipeline.Endpoint {
	if ep.Kind == "openai" {
		token := ep.Token
		if token == "" {
			token = cfg.openaiAPIKey
		}
		return pipeline.NewOpenAIEndpoint(ep.URL, token, ep.Model, ep.Label, client)
	}
	return pipeline.NewMultipartEndpoint(ep.URL, ep.Token, ep.Label, client)
}
