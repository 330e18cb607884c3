// Package codec defines the waveform/latent conversion contract. The
// sampler never touches waveforms; everything crossing the audio boundary
// goes through a Codec implementation.
package codec

import (
	"context"

	"github.com/example/go-ace-step/internal/tensor"
)

// Native audio geometry of the latent codec. One latent frame covers
// 512*8 samples at 44.1 kHz.
const (
	SampleRate = 44100
	Channels   = 2
)

// Codec converts between stereo waveforms and latent tensors.
//
// EncodeAudio takes interleaved stereo samples at the given rate and returns
// a [1, 8, 16, frames] latent. DecodeLatent inverts it, returning one sample
// slice per channel and the output sample rate.
type Codec interface {
	EncodeAudio(ctx context.Context, samples []float32, sampleRate int) (*tensor.Tensor, error)
	DecodeLatent(ctx context.Context, latent *tensor.Tensor) ([][]float32, int, error)
}

// Interleave packs per-channel sample slices into one interleaved stereo
// slice. A mono input is duplicated onto both channels.
func Interleave(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}

	left := channels[0]
	right := left

	if len(channels) > 1 {
		right = channels[1]
	}

	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	out := make([]float32, 0, 2*n)
	for i := range n {
		out = append(out, left[i], right[i])
	}

	return out
}

// Deinterleave splits interleaved stereo samples into two channel slices.
// A trailing odd sample is dropped.
func Deinterleave(samples []float32) [][]float32 {
	n := len(samples) / 2
	left := make([]float32, n)
	right := make([]float32, n)

	for i := range n {
		left[i] = samples[2*i]
		right[i] = samples[2*i+1]
	}

	return [][]float32{left, right}
}
