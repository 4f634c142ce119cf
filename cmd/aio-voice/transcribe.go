package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/env"
	"github.com/aio-2030/aio-gateway/internal/pipeline"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

type transcribeOutput struct {
	File       string               `json:"file"`
	MIME       string               `json:"mime"`
	Conversion voice.ConversionKind `json:"conversion"`
	Transcript string               `json:"transcript"`
	Endpoint   string               `json:"endpoint"`
	Attempts   int                  `json:"attempts"`
	LatencyMs  float64              `json:"latency_ms"`
	WER        *float64             `json:"wer,omitempty"`
}

func runTranscribe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("transcribe", pflag.ContinueOnError)
	endpoints := fs.StringSliceP("endpoint", "e", env.List("TRANSCRIBE_ENDPOINTS", nil),
		`transcription endpoint, in fallback order; "openai:<base url>" selects the OpenAI API`)
	token := fs.String("token", env.Str("TRANSCRIBE_TOKEN", ""), "bearer token sent to every endpoint")
	timeout := fs.Duration("timeout", env.Duration("TRANSCRIBE_TIMEOUT", pipeline.DefaultTranscribeTimeout), "per-endpoint timeout")
	rate := fs.Int("rate", env.Int("TARGET_SAMPLE_RATE", 16000), "sample rate for converted audio (0 keeps the source rate)")
	mimeType := fs.String("mime", "", "override the MIME type guessed from the file extension")
	ffmpeg := fs.String("ffmpeg", env.Str("FFMPEG_PATH", "ffmpeg"), `ffmpeg binary for webm/ogg input; "off" disables it`)
	reference := fs.String("reference", "", "expected transcript; adds the word error rate to the output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: aio-voice transcribe [flags] <file>")
	}
	if len(*endpoints) == 0 {
		return errors.New("no transcription endpoints: pass --endpoint or set TRANSCRIBE_ENDPOINTS")
	}

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	blob := &voice.Blob{Data: data, MIME: *mimeType}
	if blob.MIME == "" {
		blob.MIME = voice.MIMEFromPath(path)
	}

	conv := voice.ConvertToCompatibleFormat(blob, voice.ConvertOptions{
		TargetSampleRate: *rate,
		Transcoder:       audio.NewTranscoder(*ffmpeg, 0),
	})
	if conv.Kind == voice.Failed {
		return conv.Err
	}

	client := pipeline.NewHTTPClient(pipeline.ClientConfig{Timeout: *timeout + 5*time.Second, UserAgent: "aio-voice"})
	eps := make([]pipeline.Endpoint, 0, len(*endpoints))
	for _, e := range *endpoints {
		if base, ok := strings.CutPrefix(e, "openai:"); ok {
			eps = append(eps, pipeline.NewOpenAIEndpoint(base, *token, "", "", client))
			continue
		}
		eps = append(eps, pipeline.NewMultipartEndpoint(e, *token, "", client))
	}

	res, err := pipeline.NewTranscriber(eps, *timeout).Transcribe(ctx, conv.Blob)
	if err != nil {
		return fmt.Errorf("transcribe %s: %w", path, err)
	}

	out := transcribeOutput{
		File:       path,
		MIME:       conv.Blob.MIME,
		Conversion: conv.Kind,
		Transcript: res.Text,
		Endpoint:   res.Endpoint,
		Attempts:   res.Attempts,
		LatencyMs:  res.LatencyMs,
	}
	if *reference != "" {
		wer := wordErrorRate(*reference, res.Text)
		out.WER = &wer
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
