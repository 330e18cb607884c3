package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-ace-step/internal/sampler"
	"github.com/example/go-ace-step/internal/tensor"
)

// Predictor adapts the exported transformer graphs to the sampler contract.
// transformer_encode fuses text, speaker and lyric conditioning into the
// cross-attention context; transformer_velocity estimates the flow velocity
// for one latent at one timestep.
type Predictor struct {
	engine *Engine
}

func NewPredictor(engine *Engine) (*Predictor, error) {
	if engine == nil {
		return nil, fmt.Errorf("onnx: predictor requires an engine")
	}

	for _, name := range []string{graphEncode, graphVelocity} {
		if _, err := engine.runner(name); err != nil {
			return nil, err
		}
	}

	return &Predictor{engine: engine}, nil
}

// Encode runs transformer_encode once per conditioning bundle.
func (p *Predictor) Encode(ctx context.Context, req sampler.EncodeRequest) (sampler.Encoded, error) {
	runner, err := p.engine.runner(graphEncode)
	if err != nil {
		return sampler.Encoded{}, err
	}

	inputs, err := encodeInputs(req)
	if err != nil {
		return sampler.Encoded{}, err
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return sampler.Encoded{}, fmt.Errorf("onnx: %s: run: %w", graphEncode, err)
	}

	hidden, err := output(outputs, graphEncode, "encoder_hidden_states")
	if err != nil {
		return sampler.Encoded{}, err
	}

	mask, err := output(outputs, graphEncode, "encoder_hidden_mask")
	if err != nil {
		return sampler.Encoded{}, err
	}

	hiddenT, err := toSamplerTensor(hidden)
	if err != nil {
		return sampler.Encoded{}, fmt.Errorf("onnx: %s: encoder hidden states: %w", graphEncode, err)
	}

	maskT, err := toSamplerTensor(mask)
	if err != nil {
		return sampler.Encoded{}, fmt.Errorf("onnx: %s: encoder hidden mask: %w", graphEncode, err)
	}

	return sampler.Encoded{Hidden: hiddenT, Mask: maskT}, nil
}

// Velocity runs transformer_velocity for one step of one trajectory.
func (p *Predictor) Velocity(ctx context.Context, req sampler.VelocityRequest) (*tensor.Tensor, error) {
	runner, err := p.engine.runner(graphVelocity)
	if err != nil {
		return nil, err
	}

	latent, err := fromSamplerTensor(req.Latent)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: latent: %w", graphVelocity, err)
	}

	attnMask, err := fromSamplerTensor(req.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: attention mask: %w", graphVelocity, err)
	}

	encHidden, err := fromSamplerTensor(req.Cond.Hidden)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: encoder hidden states: %w", graphVelocity, err)
	}

	encMask, err := fromSamplerTensor(req.Cond.Mask)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: encoder hidden mask: %w", graphVelocity, err)
	}

	batch := req.Latent.Shape()[0]

	timestep := make([]float32, batch)
	for i := range timestep {
		timestep[i] = float32(req.Timestep)
	}

	timestepT, err := NewTensor(timestep, []int64{batch})
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: timestep: %w", graphVelocity, err)
	}

	outputLength, err := NewTensor([]int64{req.OutputLength}, []int64{1})
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: output length: %w", graphVelocity, err)
	}

	inputs := map[string]*Tensor{
		"hidden_states":         latent,
		"attention_mask":        attnMask,
		"encoder_hidden_states": encHidden,
		"encoder_hidden_mask":   encMask,
		"timestep":              timestepT,
		"output_length":         outputLength,
	}

	if err := addTemperatureInputs(inputs, req.Temperature); err != nil {
		return nil, err
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: run: %w", graphVelocity, err)
	}

	velocity, err := output(outputs, graphVelocity, "velocity")
	if err != nil {
		return nil, err
	}

	out, err := toSamplerTensor(velocity)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: velocity: %w", graphVelocity, err)
	}

	return out, nil
}

func encodeInputs(req sampler.EncodeRequest) (map[string]*Tensor, error) {
	textHidden, err := fromSamplerTensor(req.Cond.TextHidden)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: text hidden states: %w", graphEncode, err)
	}

	textMask, err := fromSamplerTensor(req.Cond.TextMask)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: text attention mask: %w", graphEncode, err)
	}

	speaker, err := fromSamplerTensor(req.Cond.Speaker)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: speaker embeddings: %w", graphEncode, err)
	}

	lyricTokens, lyricMask, err := padLyrics(req.Cond.LyricTokens, req.Cond.LyricMask)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: lyrics: %w", graphEncode, err)
	}

	inputs := map[string]*Tensor{
		"encoder_text_hidden_states": textHidden,
		"text_attention_mask":        textMask,
		"speaker_embeds":             speaker,
		"lyric_token_idx":            lyricTokens,
		"lyric_mask":                 lyricMask,
	}

	if err := addTemperatureInputs(inputs, req.Temperature); err != nil {
		return nil, err
	}

	return inputs, nil
}

// addTemperatureInputs wires the entropy-reduction knobs. A nil scale passes
// the neutral values (empty layer range, tau 1) so the graph runs untouched.
func addTemperatureInputs(inputs map[string]*Tensor, scale *sampler.TemperatureScale) error {
	layerMin, layerMax := int64(0), int64(0)
	tau := float32(1)

	if scale != nil {
		layerMin = int64(scale.LayerMin)
		layerMax = int64(scale.LayerMax)
		tau = scale.Tau
	}

	minT, err := NewTensor([]int64{layerMin}, []int64{1})
	if err != nil {
		return fmt.Errorf("onnx: temperature layer min: %w", err)
	}

	maxT, err := NewTensor([]int64{layerMax}, []int64{1})
	if err != nil {
		return fmt.Errorf("onnx: temperature layer max: %w", err)
	}

	tauT, err := NewTensor([]float32{tau}, []int64{1})
	if err != nil {
		return fmt.Errorf("onnx: temperature tau: %w", err)
	}

	inputs["temperature_layer_min"] = minT
	inputs["temperature_layer_max"] = maxT
	inputs["temperature_tau"] = tauT

	return nil
}

// padLyrics packs ragged per-row token lists into rectangular [batch, L]
// tensors, padding with zeros on the right.
func padLyrics(tokens, mask [][]int64) (tokensT, maskT *Tensor, err error) {
	if len(tokens) == 0 || len(tokens) != len(mask) {
		return nil, nil, fmt.Errorf("lyric rows %d and mask rows %d must match and be non-empty", len(tokens), len(mask))
	}

	maxLen := 1
	for i := range tokens {
		if len(tokens[i]) != len(mask[i]) {
			return nil, nil, fmt.Errorf("row %d has %d tokens but %d mask entries", i, len(tokens[i]), len(mask[i]))
		}

		if len(tokens[i]) > maxLen {
			maxLen = len(tokens[i])
		}
	}

	batch := len(tokens)
	flatTokens := make([]int64, batch*maxLen)
	flatMask := make([]int64, batch*maxLen)

	for i := range tokens {
		copy(flatTokens[i*maxLen:], tokens[i])
		copy(flatMask[i*maxLen:], mask[i])
	}

	shape := []int64{int64(batch), int64(maxLen)}

	tokensT, err = NewTensor(flatTokens, shape)
	if err != nil {
		return nil, nil, err
	}

	maskT, err = NewTensor(flatMask, shape)
	if err != nil {
		return nil, nil, err
	}

	return tokensT, maskT, nil
}

// toSamplerTensor converts an ORT float32 result into the sampler's tensor
// type.
func toSamplerTensor(t *Tensor) (*tensor.Tensor, error) {
	data, err := ExtractFloat32(t)
	if err != nil {
		return nil, err
	}

	return tensor.New(data, t.Shape())
}

// fromSamplerTensor converts a sampler tensor into an ORT input without
// copying semantics the runner does not need.
func fromSamplerTensor(t *tensor.Tensor) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}

	return NewTensor(t.RawData(), t.Shape())
}
