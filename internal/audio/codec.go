package audio

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// Format describes interleaved PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// Container MIME types accepted by transcription endpoints as-is.
const (
	MIMEWAV     = "audio/wav"
	MIMEMP3     = "audio/mpeg"
	MIMEGeneric = "audio/octet-stream"
)

var passthroughTypes = map[string]bool{
	"audio/wav":   true,
	"audio/wave":  true,
	"audio/x-wav": true,
	"audio/mpeg":  true,
	"audio/mp3":   true,
}

// IsCompatible reports whether mimeType is already WAV or MP3.
func IsCompatible(mimeType string) bool {
	base, _ := splitMIME(mimeType)
	return passthroughTypes[base]
}

// IsWAV reports whether mimeType names a RIFF/WAVE container.
func IsWAV(mimeType string) bool {
	base, _ := splitMIME(mimeType)
	return passthroughTypes[base] && strings.Contains(base, "wav")
}

// decoder holds a codec's decode function and its default format.
// A zero SampleRate means the MIME type must carry a rate= parameter.
type decoder struct {
	fn  func([]byte) []float32
	def Format
}

// decoders maps each decodable MIME type to its decode function.
var decoders = map[string]decoder{
	"audio/l16":   {fn: decodePCM, def: Format{SampleRate: 16000, Channels: 1}},
	"audio/pcm":   {fn: decodePCM, def: Format{SampleRate: 16000, Channels: 1}},
	"audio/x-raw": {fn: decodePCM, def: Format{SampleRate: 16000, Channels: 1}},
	"audio/pcmu":  {fn: decodeG711Ulaw, def: Format{SampleRate: 8000, Channels: 1}},
	"audio/basic": {fn: decodeG711Ulaw, def: Format{SampleRate: 8000, Channels: 1}},
	"audio/pcma":  {fn: decodeG711Alaw, def: Format{SampleRate: 8000, Channels: 1}},
}

// CanDecode reports whether Decode understands mimeType.
func CanDecode(mimeType string) bool {
	base, _ := splitMIME(mimeType)
	_, ok := decoders[base]
	return ok
}

// Decode converts encoded audio bytes to interleaved float32 PCM normalized
// to [-1, 1]. rate= and channels= MIME parameters override the codec defaults.
func Decode(data []byte, mimeType string) ([]float32, Format, error) {
	base, params := splitMIME(mimeType)
	dec, ok := decoders[base]
	if !ok {
		return nil, Format{}, fmt.Errorf("unsupported audio type: %s", mimeType)
	}
	f := dec.def
	if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
		f.SampleRate = v
	}
	if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
		f.Channels = v
	}
	samples := dec.fn(data)
	if len(samples) == 0 {
		return nil, Format{}, fmt.Errorf("no samples in %s payload", base)
	}
	return samples, f, nil
}

// splitMIME lowercases the media type and returns it with its parameters.
// Malformed parameter lists are ignored rather than rejected.
func splitMIME(mimeType string) (string, map[string]string) {
	base, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base, _, _ = strings.Cut(mimeType, ";")
		return strings.ToLower(strings.TrimSpace(base)), nil
	}
	return base, params
}
