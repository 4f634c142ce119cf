package audio

import (
	"bytes"
	"context"
	"fmt"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// mp3FramesPerBatch bounds how much PCM is encoded between cancellation checks.
const (
	mp3FrameSamples   = 1152
	mp3FramesPerBatch = 64
)

// shine only accepts the MPEG-1/2 rates.
var mp3Rates = []int{48000, 44100, 32000, 24000, 22050, 16000}

// EncodeMP3 encodes interleaved samples as MPEG layer III. Samples at a rate
// the encoder cannot take are resampled to the nearest supported rate first.
// When ctx ends mid-stream the frames encoded so far are returned with
// partial set, along with ctx's error.
func EncodeMP3(ctx context.Context, samples []float32, f Format) (data []byte, partial bool, err error) {
	if len(samples) == 0 {
		return nil, false, fmt.Errorf("encode mp3: no samples")
	}
	channels := max(1, f.Channels)
	if channels > 2 {
		return nil, false, fmt.Errorf("encode mp3: %d channels unsupported", channels)
	}
	rate := nearestMP3Rate(f.SampleRate)
	samples = Resample(samples, Format{SampleRate: f.SampleRate, Channels: channels}, rate)
	pcm := toInt16(samples)

	var out bytes.Buffer
	enc := mp3.NewEncoder(rate, channels)
	step := mp3FrameSamples * mp3FramesPerBatch * channels
	for start := 0; start < len(pcm); start += step {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.Bytes(), true, ctxErr
		}
		end := min(start+step, len(pcm))
		if err = enc.Write(&out, pcm[start:end]); err != nil {
			return nil, false, fmt.Errorf("encode mp3: %w", err)
		}
	}
	return out.Bytes(), false, nil
}

func nearestMP3Rate(rate int) int {
	best := mp3Rates[0]
	for _, r := range mp3Rates {
		if abs(r-rate) < abs(best-rate) {
			best = r
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
