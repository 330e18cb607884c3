package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-ace-step/internal/codec"
	"github.com/example/go-ace-step/internal/sampler"
	"github.com/example/go-ace-step/internal/tensor"
)

// LatentCodec adapts the DCAE graphs to the codec contract. The graphs work
// on 44.1 kHz stereo; resampling is the caller's job.
type LatentCodec struct {
	engine *Engine
}

func NewLatentCodec(engine *Engine) (*LatentCodec, error) {
	if engine == nil {
		return nil, fmt.Errorf("onnx: codec requires an engine")
	}

	for _, name := range []string{graphCodecEncode, graphCodecDecode} {
		if _, err := engine.runner(name); err != nil {
			return nil, err
		}
	}

	return &LatentCodec{engine: engine}, nil
}

// EncodeAudio compresses interleaved stereo samples into a latent tensor.
func (c *LatentCodec) EncodeAudio(ctx context.Context, samples []float32, sampleRate int) (*tensor.Tensor, error) {
	if sampleRate != codec.SampleRate {
		return nil, fmt.Errorf("onnx: %s: sample rate %d not supported, want %d", graphCodecEncode, sampleRate, codec.SampleRate)
	}

	if len(samples) < 2 {
		return nil, fmt.Errorf("onnx: %s: empty audio", graphCodecEncode)
	}

	channels := codec.Deinterleave(samples)
	n := int64(len(channels[0]))

	planar := make([]float32, 0, 2*n)
	planar = append(planar, channels[0]...)
	planar = append(planar, channels[1]...)

	audio, err := NewTensor(planar, []int64{1, codec.Channels, n})
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: audio tensor: %w", graphCodecEncode, err)
	}

	runner, err := c.engine.runner(graphCodecEncode)
	if err != nil {
		return nil, err
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"audio": audio})
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: run: %w", graphCodecEncode, err)
	}

	latent, err := output(outputs, graphCodecEncode, "latents")
	if err != nil {
		return nil, err
	}

	out, err := toSamplerTensor(latent)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: latents: %w", graphCodecEncode, err)
	}

	if err := checkLatentShape(out); err != nil {
		return nil, fmt.Errorf("onnx: %s: %w", graphCodecEncode, err)
	}

	return out, nil
}

// DecodeLatent reconstructs per-channel waveforms from a single-clip latent.
func (c *LatentCodec) DecodeLatent(ctx context.Context, latent *tensor.Tensor) ([][]float32, int, error) {
	if err := checkLatentShape(latent); err != nil {
		return nil, 0, fmt.Errorf("onnx: %s: %w", graphCodecDecode, err)
	}

	if latent.Shape()[0] != 1 {
		return nil, 0, fmt.Errorf("onnx: %s: decode works on one clip at a time, got batch %d", graphCodecDecode, latent.Shape()[0])
	}

	in, err := fromSamplerTensor(latent)
	if err != nil {
		return nil, 0, fmt.Errorf("onnx: %s: latents: %w", graphCodecDecode, err)
	}

	runner, err := c.engine.runner(graphCodecDecode)
	if err != nil {
		return nil, 0, err
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"latents": in})
	if err != nil {
		return nil, 0, fmt.Errorf("onnx: %s: run: %w", graphCodecDecode, err)
	}

	audio, err := output(outputs, graphCodecDecode, "audio")
	if err != nil {
		return nil, 0, err
	}

	data, err := ExtractFloat32(audio)
	if err != nil {
		return nil, 0, fmt.Errorf("onnx: %s: audio: %w", graphCodecDecode, err)
	}

	shape := audio.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != codec.Channels {
		return nil, 0, fmt.Errorf("onnx: %s: audio shape %v, want [1, %d, samples]", graphCodecDecode, shape, codec.Channels)
	}

	n := int(shape[2])
	channels := make([][]float32, codec.Channels)

	for ch := range channels {
		channels[ch] = append([]float32(nil), data[ch*n:(ch+1)*n]...)
	}

	return channels, codec.SampleRate, nil
}

func checkLatentShape(t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("nil latent")
	}

	shape := t.Shape()
	if len(shape) != 4 || shape[1] != sampler.LatentChannels || shape[2] != sampler.LatentFeatures {
		return fmt.Errorf("latent shape %v, want [batch, %d, %d, frames]", shape, sampler.LatentChannels, sampler.LatentFeatures)
	}

	return nil
}
