package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aio-2030/aio-gateway/internal/metrics"
	"github.com/aio-2030/aio-gateway/internal/trace"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

// Speech turns a recording into text.
type Speech interface {
	Transcribe(ctx context.Context, blob *voice.Blob) (*TranscribeResult, error)
}

// VoiceConfig wires a VoicePipeline. Replier and Traces are optional.
type VoiceConfig struct {
	Speech  Speech
	Replier Replier
	Traces  *trace.Registry
	Convert voice.ConvertOptions
}

// VoiceResult is the outcome of one recording run through the pipeline.
type VoiceResult struct {
	Transcript string               `json:"transcript"`
	Response   string               `json:"response,omitempty"`
	Endpoint   string               `json:"endpoint"`
	Conversion voice.ConversionKind `json:"conversion"`
	TraceID    string               `json:"trace_id,omitempty"`
	LatencyMs  float64              `json:"latency_ms"`
}

// VoiceEvents receives progress while a run is in flight. Nil fields are
// skipped.
type VoiceEvents struct {
	OnTranscript func(text string)
	OnToken      TokenCallback
}

// VoicePipeline runs convert → transcribe → respond for one recording,
// recording each stage as a call on a fresh trace.
type VoicePipeline struct {
	cfg VoiceConfig
}

func NewVoicePipeline(cfg VoiceConfig) *VoicePipeline {
	return &VoicePipeline{cfg: cfg}
}

// WithSpeech returns a copy of p that transcribes with s.
func (p *VoicePipeline) WithSpeech(s Speech) *VoicePipeline {
	cfg := p.cfg
	cfg.Speech = s
	return &VoicePipeline{cfg: cfg}
}

func (p *VoicePipeline) ConvertOptions() voice.ConvertOptions { return p.cfg.Convert }

const (
	stageConvert    = "converter"
	stageTranscribe = "transcriber"
	stageRespond    = "responder"
)

var (
	ErrResponseFailed = errors.New("response generation failed")
	errSkipped        = errors.New("skipped: an earlier stage failed")
)

// Run processes blob. Stages after a failure are closed on the trace as
// skipped, so the trace still ends in a terminal state.
func (p *VoicePipeline) Run(ctx context.Context, blob *voice.Blob, ev VoiceEvents) (*VoiceResult, error) {
	start := time.Now()
	tr := p.openTrace(blob)
	res := &VoiceResult{TraceID: tr.id}

	conv := voice.ConvertToCompatibleFormat(blob, p.cfg.Convert)
	res.Conversion = conv.Kind
	if conv.Kind == voice.Failed {
		tr.fail(stageConvert, conv.Err, false)
		tr.skipRest()
		return res, conv.Err
	}
	if conv.Err != nil {
		slog.Warn("audio conversion degraded", "kind", conv.Kind, "mime", blob.MIME, "error", conv.Err)
	}
	tr.ok(stageConvert, conv.Kind == voice.Relabeled,
		trace.IO{Type: "audio", Value: conv.Blob.MIME + ";bytes=" + strconv.Itoa(len(conv.Blob.Data))},
		trace.IO{Type: "conversion", Value: conv.Kind.String()},
	)

	tx, err := p.cfg.Speech.Transcribe(ctx, conv.Blob)
	if err != nil {
		tr.fail(stageTranscribe, err, false)
		tr.skipRest()
		return res, fmt.Errorf("transcribe: %w", err)
	}
	res.Transcript = tx.Text
	res.Endpoint = tx.Endpoint
	tr.ok(stageTranscribe, false,
		trace.IO{Type: "text", Value: tx.Text},
		trace.IO{Type: "endpoint", Value: tx.Endpoint},
	)
	if ev.OnTranscript != nil {
		ev.OnTranscript(tx.Text)
	}

	if p.cfg.Replier != nil {
		reply, err := p.cfg.Replier.Respond(ctx, tx.Text, ev.OnToken)
		if err != nil {
			tr.fail(stageRespond, err, ctx.Err() != nil)
			return res, fmt.Errorf("%w: %w", ErrResponseFailed, err)
		}
		res.Response = reply.Text
		tr.ok(stageRespond, false, trace.IO{Type: "text", Value: reply.Text})
	}

	latency := time.Since(start)
	res.LatencyMs = float64(latency.Milliseconds())
	metrics.StageDuration.WithLabelValues("voice").Observe(latency.Seconds())
	return res, nil
}

// --- trace bookkeeping ---

type stageCall struct {
	agent, method string
	typ           trace.CallType
}

// runTrace maps stage names to call ids on one trace. A zero runTrace (no
// registry configured) ignores everything.
type runTrace struct {
	reg   *trace.Registry
	id    string
	calls map[string]int
	order []string
}

func (p *VoicePipeline) openTrace(blob *voice.Blob) *runTrace {
	rt := &runTrace{reg: p.cfg.Traces, calls: map[string]int{}}
	if rt.reg == nil {
		return rt
	}
	t, err := rt.reg.CreateTrace()
	if err != nil {
		slog.Warn("create trace", "error", err)
		rt.reg = nil
		return rt
	}
	rt.id = t.ID

	input := []trace.IO{{Type: "audio", Value: blob.MIME + ";bytes=" + strconv.Itoa(blob.Len())}}
	stages := []stageCall{
		{stageConvert, "convert", trace.TypeStdio},
		{stageTranscribe, "transcribe", trace.TypeHTTP},
	}
	if p.cfg.Replier != nil {
		stages = append(stages, stageCall{stageRespond, "respond", trace.TypeHTTP})
	}
	// Every stage is registered up front so the trace cannot close between
	// stages.
	for _, s := range stages {
		c, err := rt.reg.AddCall(t.ID, s.agent, trace.ProtocolAIO, s.typ, s.method, input)
		if err != nil {
			slog.Warn("add trace call", "trace_id", t.ID, "agent", s.agent, "error", err)
			continue
		}
		rt.calls[s.agent] = c.ID
		rt.order = append(rt.order, s.agent)
	}
	return rt
}

func (rt *runTrace) update(stage string, u trace.CallUpdate) {
	id, ok := rt.calls[stage]
	if rt.reg == nil || !ok {
		return
	}
	delete(rt.calls, stage)
	if _, err := rt.reg.UpdateCall(rt.id, id, u); err != nil {
		slog.Warn("update trace call", "trace_id", rt.id, "stage", stage, "error", err)
	}
}

func (rt *runTrace) ok(stage string, partial bool, outputs ...trace.IO) {
	u := trace.CallUpdate{Status: trace.CallOK, Outputs: outputs}
	if partial {
		u.Partial = &partial
	}
	rt.update(stage, u)
}

func (rt *runTrace) fail(stage string, err error, partial bool) {
	metrics.Errors.WithLabelValues(stage, "failed").Inc()
	u := trace.CallUpdate{Status: trace.CallError, Error: err.Error()}
	if partial {
		u.Partial = &partial
	}
	rt.update(stage, u)
}

func (rt *runTrace) skipRest() {
	for _, stage := range rt.order {
		if _, pending := rt.calls[stage]; pending {
			rt.update(stage, trace.CallUpdate{Status: trace.CallError, Error: errSkipped.Error()})
		}
	}
}
