package audio

import (
	"encoding/binary"
	"math"
)

// decodePCM reads signed 16-bit little-endian samples. A trailing odd byte is dropped.
func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// toInt16 clamps normalized samples into the 16-bit range.
func toInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		out[i] = int16(clamped * math.MaxInt16)
	}
	return out
}
