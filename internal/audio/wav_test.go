package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func sine(freq float64, f Format, dur time.Duration) []float32 {
	frames := int(float64(f.SampleRate) * dur.Seconds())
	out := make([]float32, 0, frames*f.Channels)
	for i := range frames {
		v := float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate)))
		for range f.Channels {
			out = append(out, v)
		}
	}
	return out
}

func TestEncodeWAVHeaderRoundTrip(t *testing.T) {
	cases := []Format{
		{SampleRate: 16000, Channels: 1},
		{SampleRate: 44100, Channels: 2},
		{SampleRate: 8000, Channels: 1},
	}
	for _, f := range cases {
		samples := sine(440, f, 100*time.Millisecond)
		data := EncodeWAV(samples, f)

		if len(data) != 44+len(samples)*2 {
			t.Fatalf("%+v: expected %d bytes, got %d", f, 44+len(samples)*2, len(data))
		}

		info, err := ReadWAVInfo(data)
		if err != nil {
			t.Fatalf("%+v: ReadWAVInfo: %v", f, err)
		}
		if info.Channels != f.Channels || info.SampleRate != f.SampleRate || info.BitDepth != 16 {
			t.Fatalf("%+v: header read back as %+v", f, info)
		}
		if info.ByteRate != f.SampleRate*f.Channels*2 {
			t.Fatalf("%+v: byte rate %d", f, info.ByteRate)
		}

		if got := binary.LittleEndian.Uint16(data[32:34]); int(got) != f.Channels*2 {
			t.Fatalf("%+v: block align %d", f, got)
		}
		if got := binary.LittleEndian.Uint32(data[40:44]); int(got) != len(samples)*2 {
			t.Fatalf("%+v: data length %d", f, got)
		}
		if got := binary.LittleEndian.Uint32(data[4:8]); int(got) != len(data)-8 {
			t.Fatalf("%+v: riff size %d", f, got)
		}
	}
}

func TestDecodeWAVRestoresSamples(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	in := []float32{0, 0.25, -0.25, 0.5, -0.5}
	out, got, err := DecodeWAV(EncodeWAV(in, f))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got != f {
		t.Fatalf("expected format %+v, got %+v", f, got)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if math.Abs(float64(in[i]-out[i])) > 1e-3 {
			t.Fatalf("sample %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestReadWAVInfoRejectsGarbage(t *testing.T) {
	if _, err := ReadWAVInfo([]byte("definitely not a riff file, just text padding it out")); err == nil {
		t.Fatal("expected error for non-wav data")
	}
}

func TestEncodeWAVClamps(t *testing.T) {
	data := EncodeWAV([]float32{2, -2}, Format{SampleRate: 8000, Channels: 1})
	if got := int16(binary.LittleEndian.Uint16(data[44:])); got != math.MaxInt16 {
		t.Fatalf("expected positive clamp, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(data[46:])); got != -math.MaxInt16 {
		t.Fatalf("expected negative clamp, got %d", got)
	}
}
