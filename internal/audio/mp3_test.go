package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeMP3ProducesFrames(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	data, partial, err := EncodeMP3(context.Background(), sine(440, f, time.Second), f)
	if err != nil {
		t.Fatalf("EncodeMP3: %v", err)
	}
	if partial {
		t.Fatal("unexpected partial encode")
	}
	if len(data) < 2 || data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		t.Fatalf("output does not start with an mpeg frame sync (%d bytes)", len(data))
	}
}

func TestEncodeMP3Cancelled(t *testing.T) {
	f := Format{SampleRate: 44100, Channels: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, partial, err := EncodeMP3(ctx, sine(440, f, time.Second), f)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !partial {
		t.Fatal("expected partial result on cancellation")
	}
}

func TestNearestMP3Rate(t *testing.T) {
	cases := map[int]int{8000: 16000, 16000: 16000, 44000: 44100, 96000: 48000, 23000: 22050}
	for in, want := range cases {
		if got := nearestMP3Rate(in); got != want {
			t.Errorf("nearestMP3Rate(%d) = %d, want %d", in, got, want)
		}
	}
}
