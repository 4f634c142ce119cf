package voice

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aio-2030/aio-gateway/internal/audio"
)

type deniedSource struct{ err error }

func (d deniedSource) Open(context.Context) (Capture, error) { return nil, d.err }

func TestProcessEmptySession(t *testing.T) {
	sess := NewSession(SessionConfig{Source: NewPushSource("audio/webm")})
	blob, url, err := sess.Process()
	if !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
	if blob != nil || url != "" {
		t.Fatalf("expected absent blob and url, got %v %q", blob, url)
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	sess := NewSession(SessionConfig{Source: NewPushSource("audio/webm")})
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if sess.IsRecording() {
		t.Fatal("idle session reports recording")
	}
}

func TestPushRecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	src := NewPushSource("audio/webm;codecs=opus")
	previews := NewPreviewStore("/api/voice/preview")
	sess := NewSession(SessionConfig{Source: src, Previews: previews})

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sess.IsRecording() {
		t.Fatal("expected recording after Start")
	}
	for _, part := range []string{"one-", "", "two-", "three"} {
		if err := src.Push([]byte(part)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if _, _, err := sess.Process(); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("expected ErrRecordingActive while recording, got %v", err)
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := src.Push([]byte("late")); err == nil {
		t.Fatal("expected push after stop to fail")
	}

	blob, url, err := sess.Process()
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(blob.Data) != "one-two-three" {
		t.Fatalf("chunks out of order or lost: %q", blob.Data)
	}
	if blob.MIME != "audio/webm;codecs=opus" {
		t.Fatalf("mime not taken from first chunk: %q", blob.MIME)
	}
	if sess.ChunkCount() != 3 {
		t.Fatalf("empty chunk should be skipped, have %d", sess.ChunkCount())
	}
	if url == "" || previews.Len() != 1 {
		t.Fatalf("expected one live preview, url=%q len=%d", url, previews.Len())
	}

	// A new recording tears down the previous preview.
	if err = sess.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if previews.Len() != 0 {
		t.Fatalf("previous preview not revoked, %d live", previews.Len())
	}
	if sess.ChunkCount() != 0 {
		t.Fatalf("previous chunks not cleared, %d left", sess.ChunkCount())
	}
	if err = sess.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, _, err = sess.Process(); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected empty recording after discard, got %v", err)
	}
}

func TestCleanupRevokesPreview(t *testing.T) {
	ctx := context.Background()
	src := NewPushSource("audio/ogg")
	previews := NewPreviewStore("/p/")
	sess := NewSession(SessionConfig{Source: src, Previews: previews})
	if err := sess.Start(ctx); err != nil {
		t.Fatal(err)
	}
	src.Push([]byte("x"))
	sess.Stop(ctx)
	if _, _, err := sess.Process(); err != nil {
		t.Fatal(err)
	}
	sess.Cleanup()
	if previews.Len() != 0 || sess.PlaybackURL() != "" {
		t.Fatalf("cleanup left preview behind: len=%d url=%q", previews.Len(), sess.PlaybackURL())
	}
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()

	sess := NewSession(SessionConfig{Source: deniedSource{err: ErrPermissionDenied}})
	if err := sess.Start(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if sess.IsRecording() {
		t.Fatal("failed start must not leave a recording")
	}

	sess = NewSession(SessionConfig{Source: NewPushSource("video/webm")})
	if err := sess.Start(ctx); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}

	sess = NewSession(SessionConfig{Source: FileSource{Path: filepath.Join(t.TempDir(), "missing.wav")}})
	if err := sess.Start(ctx); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for missing file, got %v", err)
	}
}

func TestFileSourceReplaysWholeFile(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	wav := audio.EncodeWAV(make([]float32, 1600), f)
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	sess := NewSession(SessionConfig{Source: FileSource{Path: path, Slice: time.Millisecond}})
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 1ms slices of a 16kHz mono file are 32 bytes each.
	want := (len(wav) + 31) / 32
	deadline := time.Now().Add(5 * time.Second)
	for sess.ChunkCount() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	blob, _, err := sess.Process()
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !bytes.Equal(blob.Data, wav) {
		t.Fatalf("replayed %d bytes, want %d", len(blob.Data), len(wav))
	}
	if blob.MIME != audio.MIMEWAV {
		t.Fatalf("expected wav mime, got %q", blob.MIME)
	}
}

func TestSliceBytes(t *testing.T) {
	wav := audio.EncodeWAV(make([]float32, 32000), audio.Format{SampleRate: 16000, Channels: 2})
	if got := sliceBytes(wav, audio.MIMEWAV, DefaultSlice); got != 6400 {
		t.Fatalf("expected 6400-byte slices for 16kHz stereo, got %d", got)
	}
	if got := sliceBytes([]byte("opaque"), "audio/webm", DefaultSlice); got != defaultSliceBytes {
		t.Fatalf("expected default slice for opaque container, got %d", got)
	}
	if got := sliceBytes(wav, audio.MIMEWAV, 0); got != len(wav) {
		t.Fatalf("expected whole file when slicing is off, got %d", got)
	}
}

func TestMIMEFromPath(t *testing.T) {
	cases := map[string]string{
		"a.wav":   audio.MIMEWAV,
		"a.MP3":   audio.MIMEMP3,
		"a.pcm":   "audio/L16",
		"a.ulaw":  "audio/PCMU",
		"a.nope1": DefaultMIME,
	}
	for path, want := range cases {
		if got := MIMEFromPath(path); got != want {
			t.Errorf("MIMEFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
