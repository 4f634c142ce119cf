package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/aio-2030/aio-gateway/internal/normalize"
	"github.com/aio-2030/aio-gateway/internal/pipeline"
	"github.com/aio-2030/aio-gateway/internal/trace"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

const (
	// maxUploadBytes caps multipart audio uploads.
	maxUploadBytes = 32 << 20

	maxNormalizeBytes = 1 << 20

	// defaultTraceLimit is how many traces are returned when the caller
	// omits ?limit=.
	defaultTraceLimit = 20
)

type deps struct {
	pipeline    *pipeline.VoicePipeline
	transcriber *pipeline.Transcriber
	normalizer  *normalize.Normalizer
	traces      *trace.Registry
	traceStore  *trace.Store
	previews    *voice.PreviewStore
	wsHandler   http.Handler
	mcpHandler  http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws/record", d.wsHandler)
	mux.HandleFunc("POST /api/transcribe", d.handleTranscribe)
	mux.HandleFunc("POST /api/convert", d.handleConvert)
	mux.HandleFunc("POST /api/normalize", d.handleNormalize)
	mux.HandleFunc("GET /api/normalize/stats", d.handleNormalizeStats)
	mux.HandleFunc("DELETE /api/normalize/cache", d.handleNormalizeReset)
	mux.Handle("GET /api/voice/preview/{id}", d.previews)
	if d.mcpHandler != nil {
		mux.Handle("/mcp", d.mcpHandler)
	}
	registerTraceRoutes(mux, d.traces, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error, extra map[string]any) {
	body := map[string]any{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// readUpload pulls the "file" part out of a multipart request.
func readUpload(w http.ResponseWriter, r *http.Request) (*voice.Blob, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	mimeType := hdr.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = voice.MIMEFromPath(hdr.Filename)
	}
	return &voice.Blob{Data: data, MIME: mimeType}, nil
}

// --- voice ---

func (d deps) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	blob, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}

	p := d.pipeline
	if label := r.URL.Query().Get("endpoint"); label != "" {
		if !d.transcriber.Has(label) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown endpoint %q", label), nil)
			return
		}
		p = p.WithSpeech(d.transcriber.Pinned(label))
	}

	res, err := p.Run(r.Context(), blob, pipeline.VoiceEvents{})
	if err != nil {
		writeError(w, pipelineStatus(err), err, map[string]any{
			"trace_id":   res.TraceID,
			"transcript": res.Transcript,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func pipelineStatus(err error) int {
	switch {
	case errors.Is(err, voice.ErrEmptyRecording), errors.Is(err, voice.ErrConversionFailed):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrAllEndpointsFailed), errors.Is(err, pipeline.ErrResponseFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (d deps) handleConvert(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "wav"
	}
	if format != "wav" && format != "mp3" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported format %q", format), nil)
		return
	}
	blob, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}

	conv := voice.ConvertToCompatibleFormat(blob, d.pipeline.ConvertOptions())
	switch conv.Kind {
	case voice.Failed:
		writeError(w, http.StatusBadRequest, conv.Err, nil)
		return
	case voice.Relabeled:
		writeError(w, http.StatusUnsupportedMediaType, conv.Err, map[string]any{"conversion": conv.Kind})
		return
	}

	out, partial := conv.Blob, false
	if format == "mp3" {
		out, partial, err = voice.WAVToMP3(r.Context(), conv.Blob)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err, nil)
			return
		}
	}

	w.Header().Set("Content-Type", out.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(out.Len()))
	w.Header().Set("X-Conversion", conv.Kind.String())
	if partial {
		w.Header().Set("X-Partial", "true")
	}
	w.Write(out.Data)
}

// --- normalize ---

// handleNormalize accepts either a raw text body or a JSON object with a
// "text" field.
func (d deps) handleNormalize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNormalizeBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	text := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if v := gjson.GetBytes(body, "text"); v.Type == gjson.String {
			text = v.Str
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": d.normalizer.GetResponseContent(text)})
}

func (d deps) handleNormalizeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.normalizer.Stats())
}

func (d deps) handleNormalizeReset(w http.ResponseWriter, r *http.Request) {
	d.normalizer.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// --- traces ---

type addCallRequest struct {
	Agent    string         `json:"agent"`
	Protocol trace.Protocol `json:"protocol"`
	Type     trace.CallType `json:"type"`
	Method   string         `json:"method"`
	Inputs   []trace.IO     `json:"inputs"`
}

func traceStatus(err error) int {
	switch {
	case errors.Is(err, trace.ErrTraceNotFound), errors.Is(err, trace.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, trace.ErrTraceClosed), errors.Is(err, trace.ErrCallResolved):
		return http.StatusConflict
	case errors.Is(err, trace.ErrInvalidCall):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func registerTraceRoutes(mux *http.ServeMux, reg *trace.Registry, store *trace.Store) {
	mux.HandleFunc("POST /api/traces", func(w http.ResponseWriter, r *http.Request) {
		t, err := reg.CreateTrace()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	})

	mux.HandleFunc("GET /api/traces", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := tracePage(r)
		if r.URL.Query().Get("source") == "store" {
			if store == nil {
				http.Error(w, "trace store disabled", http.StatusNotFound)
				return
			}
			traces, total, err := store.ListTraces(r.Context(), limit, offset)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"traces": traces, "total": total})
			return
		}
		traces, total := reg.List(limit, offset)
		writeJSON(w, http.StatusOK, map[string]any{"traces": traces, "total": total})
	})

	// Live traces come from the registry; older ones from the store when
	// one is configured.
	mux.HandleFunc("GET /api/traces/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if t, ok := reg.Get(id); ok {
			writeJSON(w, http.StatusOK, t)
			return
		}
		if store != nil {
			t, err := store.GetTrace(r.Context(), id)
			if err == nil {
				writeJSON(w, http.StatusOK, t)
				return
			}
			if !errors.Is(err, trace.ErrTraceNotFound) {
				writeError(w, http.StatusInternalServerError, err, nil)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", trace.ErrTraceNotFound, id), nil)
	})

	mux.HandleFunc("POST /api/traces/{id}/calls", func(w http.ResponseWriter, r *http.Request) {
		var req addCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		c, err := reg.AddCall(r.PathValue("id"), req.Agent, req.Protocol, req.Type, req.Method, req.Inputs)
		if err != nil {
			writeError(w, traceStatus(err), err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	})

	mux.HandleFunc("PATCH /api/traces/{id}/calls/{callId}", func(w http.ResponseWriter, r *http.Request) {
		callID, err := strconv.Atoi(r.PathValue("callId"))
		if err != nil {
			http.Error(w, "bad call id", http.StatusBadRequest)
			return
		}
		var u trace.CallUpdate
		if err = json.NewDecoder(r.Body).Decode(&u); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		t, err := reg.UpdateCall(r.PathValue("id"), callID, u)
		if err != nil {
			writeError(w, traceStatus(err), err, nil)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	mux.HandleFunc("POST /api/traces/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		t, ok := reg.CompleteTrace(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", trace.ErrTraceNotFound, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})
}

// tracePage reads limit and offset for both list sources. Zero or negative
// limit means all; a negative offset starts at the newest trace.
func tracePage(r *http.Request) (limit, offset int) {
	return max(queryInt(r, "limit", defaultTraceLimit), 0), max(queryInt(r, "offset", 0), 0)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
