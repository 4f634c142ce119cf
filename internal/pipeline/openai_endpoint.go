package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aio-2030/aio-gateway/internal/voice"
)

// OpenAIEndpoint transcribes through an OpenAI-compatible
// /audio/transcriptions API.
type OpenAIEndpoint struct {
	client *openai.Client
	model  string
	label  string
}

// NewOpenAIEndpoint creates an endpoint. An empty baseURL means the public
// OpenAI API; an empty model means whisper-1.
func NewOpenAIEndpoint(baseURL, token, model, label string, httpClient *http.Client) *OpenAIEndpoint {
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = openai.Whisper1
	}
	if label == "" {
		label = "openai:" + model
	}
	return &OpenAIEndpoint{client: openai.NewClientWithConfig(cfg), model: model, label: label}
}

func (e *OpenAIEndpoint) Label() string { return e.label }

func (e *OpenAIEndpoint) Transcribe(ctx context.Context, blob *voice.Blob, filename string) (string, error) {
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: filename,
		Reader:   bytes.NewReader(blob.Data),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}
