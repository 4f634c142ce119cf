package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/metrics"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

// DefaultTranscribeTimeout bounds a single endpoint attempt.
const DefaultTranscribeTimeout = 15 * time.Second

var (
	ErrAllEndpointsFailed = errors.New("all transcription endpoints failed")
	errNoEndpoints        = errors.New("no transcription endpoints configured")
	errEmptyTranscript    = errors.New("response carries no transcript")
)

// AllEndpointsFailedError is returned when no endpoint produced a
// transcript. It matches ErrAllEndpointsFailed and the last attempt's error.
type AllEndpointsFailedError struct {
	Attempts int
	Last     error
}

func (e *AllEndpointsFailedError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrAllEndpointsFailed, e.Attempts, e.Last)
}

func (e *AllEndpointsFailedError) Unwrap() []error {
	return []error{ErrAllEndpointsFailed, e.Last}
}

// Endpoint is one speech-to-text backend.
type Endpoint interface {
	Label() string
	Transcribe(ctx context.Context, blob *voice.Blob, filename string) (string, error)
}

// TranscribeResult holds the transcript and which endpoint produced it.
type TranscribeResult struct {
	Text      string  `json:"text"`
	Endpoint  string  `json:"endpoint"`
	Attempts  int     `json:"attempts"`
	LatencyMs float64 `json:"latency_ms"`
}

// Transcriber tries its endpoints in order until one returns a transcript.
type Transcriber struct {
	endpoints []Endpoint
	byLabel   map[string]Endpoint
	timeout   time.Duration
}

func NewTranscriber(endpoints []Endpoint, timeout time.Duration) *Transcriber {
	if timeout <= 0 {
		timeout = DefaultTranscribeTimeout
	}
	byLabel := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byLabel[ep.Label()] = ep
	}
	return &Transcriber{endpoints: endpoints, byLabel: byLabel, timeout: timeout}
}

// Endpoints returns the endpoint labels in fallback order.
func (t *Transcriber) Endpoints() []string {
	labels := make([]string, len(t.endpoints))
	for i, ep := range t.endpoints {
		labels[i] = ep.Label()
	}
	return labels
}

// Transcribe walks the endpoint list. Each attempt runs under its own
// timeout; a timed-out or failed attempt moves on to the next endpoint.
func (t *Transcriber) Transcribe(ctx context.Context, blob *voice.Blob) (*TranscribeResult, error) {
	return t.run(ctx, blob, t.endpoints)
}

// TranscribeWith pins the request to the endpoint with the given label.
func (t *Transcriber) TranscribeWith(ctx context.Context, blob *voice.Blob, label string) (*TranscribeResult, error) {
	ep, ok := t.byLabel[label]
	if !ok {
		return nil, fmt.Errorf("unknown transcription endpoint %q", label)
	}
	return t.run(ctx, blob, []Endpoint{ep})
}

// Has reports whether an endpoint with the given label is configured.
func (t *Transcriber) Has(label string) bool {
	_, ok := t.byLabel[label]
	return ok
}

// Pinned returns a Speech bound to a single endpoint.
func (t *Transcriber) Pinned(label string) Speech {
	return pinnedSpeech{t: t, label: label}
}

type pinnedSpeech struct {
	t     *Transcriber
	label string
}

func (p pinnedSpeech) Transcribe(ctx context.Context, blob *voice.Blob) (*TranscribeResult, error) {
	return p.t.TranscribeWith(ctx, blob, p.label)
}

func (t *Transcriber) run(ctx context.Context, blob *voice.Blob, endpoints []Endpoint) (*TranscribeResult, error) {
	if len(endpoints) == 0 {
		return nil, &AllEndpointsFailedError{Last: errNoEndpoints}
	}
	start := time.Now()
	filename := filenameFor(blob.MIME)

	var last error
	for i, ep := range endpoints {
		text, err := t.attempt(ctx, ep, blob, filename)
		if err == nil {
			latency := time.Since(start)
			metrics.StageDuration.WithLabelValues("transcribe").Observe(latency.Seconds())
			return &TranscribeResult{
				Text:      text,
				Endpoint:  ep.Label(),
				Attempts:  i + 1,
				LatencyMs: float64(latency.Milliseconds()),
			}, nil
		}
		last = err
		slog.Warn("transcription endpoint failed", "endpoint", ep.Label(), "attempt", i+1, "error", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcribe: %w", ctx.Err())
		}
	}
	metrics.Errors.WithLabelValues("transcribe", "exhausted").Inc()
	return nil, &AllEndpointsFailedError{Attempts: len(endpoints), Last: last}
}

func (t *Transcriber) attempt(ctx context.Context, ep Endpoint, blob *voice.Blob, filename string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	text, err := ep.Transcribe(ctx, blob, filename)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyTranscript
	}
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.TranscribeAttempts.WithLabelValues(ep.Label(), outcome).Inc()
	if err != nil {
		return "", fmt.Errorf("%s: %w", ep.Label(), err)
	}
	return strings.TrimSpace(text), nil
}

// filenameFor names the upload after its type; some servers sniff the
// format from the extension.
func filenameFor(mimeType string) string {
	switch {
	case audio.IsWAV(mimeType):
		return "recording.wav"
	case audio.IsCompatible(mimeType):
		return "recording.mp3"
	case strings.Contains(mimeType, "webm"):
		return "recording.webm"
	case strings.Contains(mimeType, "ogg"):
		return "recording.ogg"
	}
	return "recording.bin"
}

// --- multipart endpoint ---

const maxErrorBody = 512

// MultipartEndpoint posts the recording as multipart/form-data to any
// whisper-style HTTP endpoint and reads the transcript from whichever
// response layout the server uses.
type MultipartEndpoint struct {
	url    string
	token  string
	label  string
	client *http.Client
}

// NewMultipartEndpoint creates an endpoint. An empty label defaults to the URL.
func NewMultipartEndpoint(url, token, label string, client *http.Client) *MultipartEndpoint {
	if label == "" {
		label = url
	}
	return &MultipartEndpoint{url: url, token: token, label: label, client: client}
}

func (e *MultipartEndpoint) Label() string { return e.label }

func (e *MultipartEndpoint) Transcribe(ctx context.Context, blob *voice.Blob, filename string) (string, error) {
	body, contentType, err := buildMultipartAudio(blob, filename)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("transcribe", "http").Inc()
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.Errors.WithLabelValues("transcribe", "status").Inc()
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	text, shape, err := parseTranscript(data)
	if err != nil {
		metrics.Errors.WithLabelValues("transcribe", "malformed").Inc()
		return "", err
	}
	slog.Debug("transcript parsed", "endpoint", e.label, "shape", shape)
	return text, nil
}

func buildMultipartAudio(blob *voice.Blob, filename string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", blob.MIME)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(blob.Data); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err = writer.WriteField("filename", filename); err != nil {
		return nil, "", fmt.Errorf("write filename field: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// transcriptShapes are the response layouts servers use, in the order they
// are tried. The first one holding a non-blank string wins.
var transcriptShapes = []string{
	"text",
	"transcript",
	"result",
	"response",
	"response.text",
	"response.transcript",
	"response.result",
	"response.content",
	"response.output",
}

// parseTranscript returns the transcript and the shape it was found under.
func parseTranscript(data []byte) (string, string, error) {
	if !gjson.ValidBytes(data) {
		return "", "", fmt.Errorf("malformed response: not json")
	}
	for _, path := range transcriptShapes {
		r := gjson.GetBytes(data, path)
		if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return r.Str, path, nil
		}
	}
	return "", "", fmt.Errorf("malformed response: %w", errEmptyTranscript)
}
