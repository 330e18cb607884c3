package audio

import "math"

// Hook transforms one channel of samples in a post-processing chain.
type Hook func(samples []float32) []float32

// ApplyHooks runs each hook in order over every channel.
func ApplyHooks(channels [][]float32, hooks ...Hook) [][]float32 {
	out := channels
	for _, hook := range hooks {
		for ch := range out {
			out[ch] = hook(out[ch])
		}
	}

	return out
}

// PeakNormalize scales samples so the peak amplitude reaches target. Silent
// input is returned unchanged.
func PeakNormalize(samples []float32, target float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}

	if peak == 0 {
		return samples
	}

	gain := target / peak
	out := make([]float32, len(samples))

	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}

// DCBlock removes DC offset with a single-pole high-pass filter.
func DCBlock(samples []float32, sampleRate int) []float32 {
	if len(samples) == 0 || sampleRate < 1 {
		return samples
	}

	// ~20 Hz corner.
	r := float32(1 - 2*math.Pi*20/float64(sampleRate))
	out := make([]float32, len(samples))

	var prevIn, prevOut float32
	for i, s := range samples {
		out[i] = s - prevIn + r*prevOut
		prevIn = s
		prevOut = out[i]
	}

	return out
}

// FadeIn applies a linear fade-in ramp over the given duration in
// milliseconds.
func FadeIn(samples []float32, sampleRate int, ms float64) []float32 {
	n := rampSamples(len(samples), sampleRate, ms)
	if n == 0 {
		return samples
	}

	out := append([]float32(nil), samples...)
	for i := range n {
		out[i] *= float32(i) / float32(n)
	}

	return out
}

// FadeOut applies a linear fade-out ramp over the given duration in
// milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	n := rampSamples(len(samples), sampleRate, ms)
	if n == 0 {
		return samples
	}

	out := append([]float32(nil), samples...)
	start := len(out) - n

	for i := range n {
		out[start+i] *= float32(n-1-i) / float32(n)
	}

	return out
}

func rampSamples(total, sampleRate int, ms float64) int {
	if total == 0 || sampleRate < 1 || ms <= 0 {
		return 0
	}

	n := int(ms * float64(sampleRate) / 1000)
	if n > total {
		n = total
	}

	return n
}
