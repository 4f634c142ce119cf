package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_recordings_active",
		Help: "Recording sessions currently capturing audio",
	})

	RecordingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_recordings_total",
		Help: "Recording sessions started",
	})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_chunks_total",
		Help: "Audio chunks appended to recording sessions",
	})

	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_conversions_total",
		Help: "Format conversions by outcome (unchanged, converted, relabeled, failed)",
	}, []string{"outcome"})

	TranscribeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_attempts_total",
		Help: "Transcription attempts by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 15.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	NormalizeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "normalize_results_total",
		Help: "Normalizer outcomes by strategy (cache, passthrough, json, marker, markdown, repair, regex, original, fallback)",
	}, []string{"strategy"})

	NormalizeCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "normalize_cache_entries",
		Help: "Entries held in the normalizer fingerprint cache",
	})

	TracesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trace_active",
		Help: "Traces that still have pending calls",
	})

	TracesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_finished_total",
		Help: "Traces that reached a terminal status",
	}, []string{"status"})
)
