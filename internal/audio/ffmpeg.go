package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTranscodeRate is used when the caller does not ask for a rate.
	// Opus always decodes at 48 kHz.
	DefaultTranscodeRate    = 48000
	DefaultTranscodeTimeout = 30 * time.Second
)

// Transcoder decodes containers the built-in decoders cannot read (WebM and
// Ogg Opus from browser MediaRecorder, AAC, FLAC) by piping them through an
// ffmpeg binary into mono 16-bit PCM.
type Transcoder struct {
	path    string
	timeout time.Duration
}

// NewTranscoder resolves bin on PATH. It returns nil when bin is empty, "off"
// or not installed, and a nil *Transcoder is valid and decodes nothing.
func NewTranscoder(bin string, timeout time.Duration) *Transcoder {
	if bin == "" || bin == "off" {
		return nil
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTranscodeTimeout
	}
	return &Transcoder{path: path, timeout: timeout}
}

// Handles reports whether mimeType is worth handing to ffmpeg: any audio or
// video container the built-in decoders do not cover.
func (t *Transcoder) Handles(mimeType string) bool {
	if t == nil {
		return false
	}
	base, _ := splitMIME(mimeType)
	if _, ok := decoders[base]; ok || passthroughTypes[base] {
		return false
	}
	return strings.HasPrefix(base, "audio/") || strings.HasPrefix(base, "video/")
}

// Decode runs ffmpeg over data and returns mono samples at rate (or
// DefaultTranscodeRate when rate is zero).
func (t *Transcoder) Decode(ctx context.Context, data []byte, rate int) ([]float32, Format, error) {
	if t == nil {
		return nil, Format{}, errors.New("ffmpeg not available")
	}
	if rate <= 0 {
		rate = DefaultTranscodeRate
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, Format{}, fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	samples := decodePCM(stdout.Bytes())
	if len(samples) == 0 {
		return nil, Format{}, errors.New("ffmpeg produced no samples")
	}
	return samples, Format{SampleRate: rate, Channels: 1}, nil
}
