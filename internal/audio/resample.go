package audio

import "math"

const resampleTaps = 31

// Resample converts interleaved samples from src to dstRate, one channel at a
// time, using linear interpolation guarded by a windowed-sinc low-pass filter.
// Returns the input unchanged if the rates already match.
func Resample(samples []float32, src Format, dstRate int) []float32 {
	if src.SampleRate == dstRate || dstRate <= 0 || len(samples) == 0 {
		return samples
	}
	channels := max(1, src.Channels)
	if channels == 1 {
		return resampleMono(samples, src.SampleRate, dstRate)
	}

	samples = samples[:len(samples)/channels*channels]
	planes := make([][]float32, channels)
	for ch := range channels {
		plane := make([]float32, 0, len(samples)/channels)
		for i := ch; i < len(samples); i += channels {
			plane = append(plane, samples[i])
		}
		planes[ch] = resampleMono(plane, src.SampleRate, dstRate)
	}

	frames := len(planes[0])
	out := make([]float32, frames*channels)
	for i := range frames {
		for ch := range channels {
			out[i*channels+ch] = planes[ch][i]
		}
	}
	return out
}

func resampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if len(samples) == 0 {
		return samples
	}
	cutoff := float64(min(srcRate, dstRate)) / 2.0

	// Downsampling: filter before interpolation to remove frequencies above the new Nyquist.
	if srcRate > dstRate {
		samples = lowPass(samples, cutoff, float64(srcRate))
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		out[i] = lerp(samples, idx, float32(pos-float64(idx)))
	}

	// Upsampling: filter after interpolation to remove imaging.
	if dstRate > srcRate {
		out = lowPass(out, cutoff, float64(dstRate))
	}
	return out
}

// lowPass convolves samples with a Blackman-windowed sinc kernel. Taps that
// fall outside the input are skipped.
func lowPass(samples []float32, cutoff, sampleRate float64) []float32 {
	kernel := sincKernel(cutoff/sampleRate, resampleTaps)
	half := resampleTaps / 2
	out := make([]float32, len(samples))
	for i := range samples {
		var sum float32
		for j := max(0, half-i); j < min(resampleTaps, len(samples)-i+half); j++ {
			sum += samples[i+j-half] * kernel[j]
		}
		out[i] = sum
	}
	return out
}

// sincKernel returns a unity-gain FIR kernel for normalized cutoff fc.
func sincKernel(fc float64, taps int) []float32 {
	half := taps / 2
	kernel := make([]float32, taps)
	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/float64(taps-1)) +
			0.08*math.Cos(4.0*math.Pi*float64(i)/float64(taps-1))
		kernel[i] = float32(sinc * w)
		sum += sinc * w
	}
	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}

func lerp(samples []float32, idx int, frac float32) float32 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}
