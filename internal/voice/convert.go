package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/metrics"
)

// ConversionKind tells callers how much of a conversion actually happened.
type ConversionKind int

const (
	// Unchanged: the input was already WAV or MP3 and is returned as-is.
	Unchanged ConversionKind = iota
	// Converted: the input was decoded and re-encoded as WAV.
	Converted
	// Relabeled: decoding failed, the original bytes are passed on under a
	// generic audio type.
	Relabeled
	// Failed: there was nothing to convert.
	Failed
)

func (k ConversionKind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Converted:
		return "converted"
	case Relabeled:
		return "relabeled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("ConversionKind(%d)", int(k))
}

func (k ConversionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Conversion is the result of ConvertToCompatibleFormat. Err explains a
// Relabeled or Failed outcome.
type Conversion struct {
	Blob *Blob
	Kind ConversionKind
	Err  error
}

// ConvertOptions tunes the decode path. A zero TargetSampleRate keeps the
// source rate. Transcoder, when set, decodes containers such as WebM and Ogg
// Opus that the built-in decoders do not read.
type ConvertOptions struct {
	TargetSampleRate int
	Transcoder       *audio.Transcoder
}

// ConvertToCompatibleFormat turns b into something a transcription endpoint
// accepts. WAV and MP3 inputs come back as the very same *Blob.
func ConvertToCompatibleFormat(b *Blob, opts ConvertOptions) Conversion {
	conv := convert(b, opts)
	metrics.Conversions.WithLabelValues(conv.Kind.String()).Inc()
	return conv
}

func convert(b *Blob, opts ConvertOptions) Conversion {
	if b.Len() == 0 {
		return Conversion{Kind: Failed, Err: fmt.Errorf("%w: %w", ErrConversionFailed, ErrEmptyRecording)}
	}
	if audio.IsCompatible(b.MIME) {
		return Conversion{Blob: b, Kind: Unchanged}
	}

	var (
		samples []float32
		f       audio.Format
		err     error
	)
	if opts.Transcoder.Handles(b.MIME) {
		samples, f, err = opts.Transcoder.Decode(context.Background(), b.Data, opts.TargetSampleRate)
	} else {
		samples, f, err = audio.Decode(b.Data, b.MIME)
	}
	if err != nil {
		return Conversion{
			Blob: &Blob{Data: b.Data, MIME: audio.MIMEGeneric},
			Kind: Relabeled,
			Err:  err,
		}
	}
	if opts.TargetSampleRate > 0 && opts.TargetSampleRate != f.SampleRate {
		samples = audio.Resample(samples, f, opts.TargetSampleRate)
		f.SampleRate = opts.TargetSampleRate
	}
	return Conversion{
		Blob: &Blob{Data: audio.EncodeWAV(samples, f), MIME: audio.MIMEWAV},
		Kind: Converted,
	}
}

// MP3Timeout caps a single WAV to MP3 encode.
const MP3Timeout = 30 * time.Second

// WAVToMP3 re-encodes a WAV blob as MP3. MP3 input is returned unchanged.
// If the encode runs past MP3Timeout the frames finished so far are returned
// with partial set instead of an error.
func WAVToMP3(ctx context.Context, b *Blob) (out *Blob, partial bool, err error) {
	if audio.IsCompatible(b.MIME) && !audio.IsWAV(b.MIME) {
		return b, false, nil
	}
	if !audio.IsWAV(b.MIME) {
		return nil, false, fmt.Errorf("%w: mp3 encode needs wav input, got %q", ErrConversionFailed, b.MIME)
	}
	samples, f, err := audio.DecodeWAV(b.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, MP3Timeout)
	defer cancel()

	start := time.Now()
	data, partial, err := audio.EncodeMP3(ctx, samples, f)
	metrics.StageDuration.WithLabelValues("mp3").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return &Blob{Data: data, MIME: audio.MIMEMP3}, false, nil
	case partial && errors.Is(err, context.DeadlineExceeded) && len(data) > 0:
		return &Blob{Data: data, MIME: audio.MIMEMP3}, true, nil
	case partial:
		return nil, true, err
	default:
		return nil, false, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
}
