package audio

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeFFmpeg writes a shell script standing in for ffmpeg. It records its
// arguments next to itself and runs body after draining stdin.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\necho \"$@\" > \"$0.args\"\ncat > /dev/null\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscoderDecodesPCMOutput(t *testing.T) {
	bin := fakeFFmpeg(t, `printf '\000\100\000\300'`)
	tc := NewTranscoder(bin, 0)
	if tc == nil {
		t.Fatal("NewTranscoder returned nil for an executable path")
	}

	samples, f, err := tc.Decode(context.Background(), []byte("webm bytes"), 16000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f != (Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("format = %+v", f)
	}
	if len(samples) != 2 || samples[0] < 0.49 || samples[0] > 0.51 || samples[1] > -0.49 {
		t.Errorf("samples = %v, want about [0.5 -0.5]", samples)
	}

	args, err := os.ReadFile(bin + ".args")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"-i pipe:0", "-f s16le", "-ac 1", "-ar 16000", "pipe:1"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("ffmpeg args %q missing %q", args, want)
		}
	}
}

func TestTranscoderDefaultRate(t *testing.T) {
	bin := fakeFFmpeg(t, `printf '\000\000'`)
	_, f, err := NewTranscoder(bin, 0).Decode(context.Background(), []byte("x"), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != DefaultTranscodeRate {
		t.Errorf("rate = %d, want %d", f.SampleRate, DefaultTranscodeRate)
	}
}

func TestTranscoderErrors(t *testing.T) {
	failing := NewTranscoder(fakeFFmpeg(t, `echo "Invalid data found" >&2; exit 1`), 0)
	if _, _, err := failing.Decode(context.Background(), []byte("x"), 0); err == nil || !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("err = %v, want ffmpeg stderr in the message", err)
	}

	silent := NewTranscoder(fakeFFmpeg(t, `true`), 0)
	if _, _, err := silent.Decode(context.Background(), []byte("x"), 0); err == nil {
		t.Error("empty ffmpeg output should be an error")
	}
}

func TestTranscoderDisabled(t *testing.T) {
	for _, bin := range []string{"", "off", filepath.Join(t.TempDir(), "missing-ffmpeg")} {
		if tc := NewTranscoder(bin, 0); tc != nil {
			t.Errorf("NewTranscoder(%q) = %+v, want nil", bin, tc)
		}
	}
	var tc *Transcoder
	if tc.Handles("audio/webm") {
		t.Error("nil transcoder should handle nothing")
	}
	if _, _, err := tc.Decode(context.Background(), []byte("x"), 0); err == nil {
		t.Error("nil transcoder should fail to decode")
	}
}

func TestTranscoderHandles(t *testing.T) {
	tc := &Transcoder{path: "ffmpeg"}
	cases := map[string]bool{
		"audio/webm;codecs=opus": true,
		"audio/ogg":              true,
		"video/webm":             true,
		"audio/wav":              false,
		"audio/mpeg":             false,
		"audio/L16;rate=16000":   false,
		"audio/pcmu":             false,
		"text/plain":             false,
	}
	for mimeType, want := range cases {
		if got := tc.Handles(mimeType); got != want {
			t.Errorf("Handles(%q) = %v, want %v", mimeType, got, want)
		}
	}
}
