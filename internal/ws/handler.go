// Package ws serves browser recording sessions over WebSocket. A client
// sends {"type":"start"}, streams MediaRecorder slices as binary frames and
// sends {"type":"stop"}; the server assembles the recording, runs it through
// the voice pipeline and streams progress events back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aio-2030/aio-gateway/internal/metrics"
	"github.com/aio-2030/aio-gateway/internal/pipeline"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Runner processes one assembled recording.
type Runner interface {
	Run(ctx context.Context, blob *voice.Blob, ev pipeline.VoiceEvents) (*pipeline.VoiceResult, error)
}

const (
	DefaultMaxFrameBytes     = 1 << 20
	DefaultMaxRecordingBytes = 32 << 20
)

type HandlerConfig struct {
	Pipeline      Runner
	Previews      *voice.PreviewStore
	MaxConcurrent int
	StopGrace     time.Duration

	// MaxFrameBytes caps one binary frame; a bigger frame closes the
	// connection. MaxRecordingBytes caps the audio of one recording.
	MaxFrameBytes     int64
	MaxRecordingBytes int
}

// Handler manages recording sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.MaxRecordingBytes <= 0 {
		cfg.MaxRecordingBytes = DefaultMaxRecordingBytes
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// Event is a server to client message.
type Event struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	URL        string  `json:"url,omitempty"`
	MIME       string  `json:"mime,omitempty"`
	Bytes      int     `json:"bytes,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
	Endpoint   string  `json:"endpoint,omitempty"`
	Conversion string  `json:"conversion,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
}

// control is a client to server text message.
type control struct {
	Type string `json:"type"`
	MIME string `json:"mime"`
}

// ServeHTTP upgrades the connection and runs the session.
// Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &connSession{h: h, send: newEventSender(conn)}
	c.run(conn)
}

// connSession is the state of one WebSocket connection. Only the read loop
// touches it, apart from the in-flight pipeline run.
type connSession struct {
	h    *Handler
	send func(Event)

	source   *voice.PushSource
	session  *voice.Session
	received int

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

func (c *connSession) run(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.close()

	conn.SetReadLimit(c.h.cfg.MaxFrameBytes)
	slog.Info("recording connection opened")
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "error", err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.chunk(data)
		case websocket.TextMessage:
			c.control(ctx, data)
		}
	}
}

func (c *connSession) control(ctx context.Context, data []byte) {
	var msg control
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("bad_message", err)
		return
	}
	switch msg.Type {
	case "start":
		c.start(ctx, msg.MIME)
	case "stop":
		c.stop(ctx)
	case "cancel":
		c.cancel(ctx)
	default:
		c.send(Event{Type: "error", Kind: "bad_message", Text: "unknown message type " + msg.Type})
	}
}

func (c *connSession) start(ctx context.Context, mimeType string) {
	c.cancelRun()
	if mimeType == "" {
		mimeType = voice.DefaultMIME
	}
	if c.session != nil {
		c.session.Cleanup()
	}
	c.received = 0
	c.source = voice.NewPushSource(mimeType)
	c.session = voice.NewSession(voice.SessionConfig{
		Source:    c.source,
		Previews:  c.h.cfg.Previews,
		StopGrace: c.h.cfg.StopGrace,
	})
	if err := c.session.Start(ctx); err != nil {
		c.fail(errorKind(err), err)
		return
	}
	c.send(Event{Type: "started", MIME: mimeType})
}

func (c *connSession) chunk(data []byte) {
	if c.session == nil || !c.session.IsRecording() {
		c.send(Event{Type: "error", Kind: "not_recording", Text: "binary frame outside a recording"})
		return
	}
	c.received += len(data)
	if c.received > c.h.cfg.MaxRecordingBytes {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.session.Discard(ctx); err != nil {
			slog.Warn("discard oversized recording", "error", err)
		}
		c.fail("too_large", fmt.Errorf("recording exceeds %d bytes", c.h.cfg.MaxRecordingBytes))
		return
	}
	if err := c.source.Push(data); err != nil {
		c.fail("not_recording", err)
	}
}

func (c *connSession) stop(ctx context.Context) {
	if c.session == nil {
		c.send(Event{Type: "error", Kind: "not_recording", Text: "stop without start"})
		return
	}
	if err := c.session.Stop(ctx); err != nil {
		slog.Warn("stop recording", "error", err)
	}
	blob, url, err := c.session.Process()
	if err != nil {
		c.fail(errorKind(err), err)
		return
	}
	c.send(Event{Type: "recorded", URL: url, MIME: blob.MIME, Bytes: blob.Len()})

	runCtx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.runCancel = cancel
	c.runMu.Unlock()

	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		defer cancel()
		c.process(runCtx, blob)
	}()
}

func (c *connSession) process(ctx context.Context, blob *voice.Blob) {
	var sentences sentenceBuffer
	res, err := c.h.cfg.Pipeline.Run(ctx, blob, pipeline.VoiceEvents{
		OnTranscript: func(text string) { c.send(Event{Type: "transcript", Text: text}) },
		OnToken: func(tok string) {
			c.send(Event{Type: "token", Text: tok})
			if s := sentences.Add(tok); s != "" {
				c.send(Event{Type: "sentence", Text: s})
			}
		},
	})
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		c.fail(errorKind(err), err)
		return
	}
	if rest := sentences.Flush(); rest != "" {
		c.send(Event{Type: "sentence", Text: rest})
	}
	if res.Response != "" {
		c.send(Event{Type: "response", Text: res.Response})
	}
	c.send(Event{
		Type:       "done",
		TraceID:    res.TraceID,
		Endpoint:   res.Endpoint,
		Conversion: res.Conversion.String(),
		LatencyMs:  res.LatencyMs,
	})
}

func (c *connSession) cancel(ctx context.Context) {
	c.cancelRun()
	if c.session != nil {
		if err := c.session.Discard(ctx); err != nil {
			slog.Warn("discard recording", "error", err)
		}
	}
	c.send(Event{Type: "cancelled"})
}

func (c *connSession) cancelRun() {
	c.runMu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.runs.Wait()
}

func (c *connSession) close() {
	c.cancelRun()
	if c.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.session.Discard(ctx); err != nil {
		slog.Warn("discard on close", "error", err)
	}
}

func (c *connSession) fail(kind string, err error) {
	metrics.Errors.WithLabelValues("ws", kind).Inc()
	c.send(Event{Type: "error", Kind: kind, Text: err.Error()})
}

// errorKind maps failures to the stable kinds clients switch on.
func errorKind(err error) string {
	switch {
	case errors.Is(err, voice.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, voice.ErrNotSupported):
		return "not_supported"
	case errors.Is(err, voice.ErrEmptyRecording):
		return "empty_recording"
	case errors.Is(err, voice.ErrConversionFailed):
		return "conversion_failed"
	case errors.Is(err, pipeline.ErrAllEndpointsFailed):
		return "transcription_failed"
	case errors.Is(err, pipeline.ErrResponseFailed):
		return "response_failed"
	}
	return "internal"
}

func newEventSender(conn *websocket.Conn) func(Event) {
	var mu sync.Mutex
	return func(ev Event) {
		mu.Lock()
		defer mu.Unlock()

		jsonBytes, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, jsonBytes); err != nil {
			slog.Error("write event", "error", err)
		}
	}
}
