package audio

import "math"

// G.711 companded bytes expand to a fixed set of 256 levels, so both laws are
// precomputed as normalized floats.
var ulawLevels, alawLevels [256]float32

func init() {
	for i := range 256 {
		ulawLevels[i] = float32(expandUlaw(byte(i))) / math.MaxInt16
		alawLevels[i] = float32(expandAlaw(byte(i))) / math.MaxInt16
	}
}

// expandUlaw follows the ITU-T G.711 reference: complement, rebuild the
// biased magnitude from segment and mantissa, then remove the bias.
func expandUlaw(b byte) int16 {
	u := ^b
	t := (int16(u&0x0F)<<3 + 0x84) << ((u & 0x70) >> 4)
	if u&0x80 != 0 {
		return 0x84 - t
	}
	return t - 0x84
}

// expandAlaw undoes the even-bit inversion; segment 0 is linear.
func expandAlaw(b byte) int16 {
	a := b ^ 0x55
	t := int16(a&0x0F) << 4
	switch seg := (a & 0x70) >> 4; seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t = (t + 0x108) << (seg - 1)
	}
	if a&0x80 != 0 {
		return t
	}
	return -t
}

func decodeG711Ulaw(data []byte) []float32 {
	return expandWith(&ulawLevels, data)
}

func decodeG711Alaw(data []byte) []float32 {
	return expandWith(&alawLevels, data)
}

func expandWith(levels *[256]float32, data []byte) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = levels[b]
	}
	return samples
}
