package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/aio-2030/aio-gateway/internal/metrics"
	"github.com/aio-2030/aio-gateway/internal/normalize"
	"github.com/aio-2030/aio-gateway/internal/prompts"
)

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// Reply is a generated answer. Raw is what the model streamed; Text is Raw
// after normalization.
type Reply struct {
	Raw                string  `json:"raw"`
	Text               string  `json:"text"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// Replier answers a transcript.
type Replier interface {
	Respond(ctx context.Context, transcript string, onToken TokenCallback) (*Reply, error)
}

type ResponderConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Normalizer   *normalize.Normalizer
}

// streamFunc starts one agent turn and returns its event and error channels.
type streamFunc func(ctx context.Context, agent *agents.Agent, input string) (<-chan agents.StreamEvent, <-chan error, error)

// Responder runs one agent turn per transcript through openai-agents-go and
// normalizes the streamed text.
type Responder struct {
	stream     streamFunc
	model      string
	prompt     string
	maxTokens  int
	normalizer *normalize.Normalizer
}

func NewResponder(cfg ResponderConfig) *Responder {
	params := agents.OpenAIProviderParams{
		UseResponses: param.NewOpt(false),
	}
	if cfg.APIKey != "" {
		params.APIKey = param.NewOpt(cfg.APIKey)
	}
	if cfg.BaseURL != "" {
		params.BaseURL = param.NewOpt(cfg.BaseURL)
	}
	return newResponder(agents.NewOpenAIProvider(params), cfg)
}

func newResponder(provider agents.ModelProvider, cfg ResponderConfig) *Responder {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(normalize.Config{})
	}
	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}
	return &Responder{
		stream:     runner.RunStreamedChan,
		model:      cfg.Model,
		prompt:     prompts.ForSession(cfg.SystemPrompt),
		maxTokens:  cfg.MaxTokens,
		normalizer: cfg.Normalizer,
	}
}

func (r *Responder) Respond(ctx context.Context, transcript string, onToken TokenCallback) (*Reply, error) {
	agent := agents.New("aio-voice").
		WithInstructions(r.prompt).
		WithModel(r.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(r.maxTokens)),
		})

	start := time.Now()

	events, errCh, err := r.stream(ctx, agent, transcript)
	if err != nil {
		metrics.Errors.WithLabelValues("respond", "start").Inc()
		return nil, fmt.Errorf("respond stream start: %w", err)
	}

	var textBuf strings.Builder
	var firstToken time.Time
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		if firstToken.IsZero() {
			firstToken = time.Now()
		}
		if onToken != nil {
			onToken(raw.Data.Delta)
		}
		textBuf.WriteString(raw.Data.Delta)
	}

	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("respond", "stream").Inc()
		return nil, fmt.Errorf("respond stream: %w", streamErr)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("respond").Observe(latency.Seconds())

	ttft := float64(0)
	if !firstToken.IsZero() {
		ttft = float64(firstToken.Sub(start).Milliseconds())
	}
	raw := textBuf.String()
	return &Reply{
		Raw:                raw,
		Text:               r.normalizer.GetResponseContent(raw),
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: ttft,
	}, nil
}
