package sampler

import (
	"context"
	"fmt"

	"github.com/example/go-ace-step/internal/tensor"
)

// Latent geometry. Latents are [batch, LatentChannels, LatentFeatures, frame]
// at a fixed frame rate of 44100/512/8 frames per second of audio.
const (
	LatentChannels  = 8
	LatentFeatures  = 16
	SpeakerEmbedDim = 512
)

// FrameCount converts a duration in seconds to a latent frame count,
// truncating toward zero.
func FrameCount(seconds float64) int64 {
	return int64(seconds * 44100 / 512 / 8)
}

// MaxFrames caps the working frame length of one sampling run (240 seconds
// of audio). Extend setups that overflow it trim the excess and reattach it
// verbatim after the loop.
var MaxFrames = FrameCount(240)

// Conditioning is the bundle produced by the external text/lyric front end.
// All tensors are batch-aligned along their leading dimension. The sampler
// treats every field as immutable.
type Conditioning struct {
	TextHidden *tensor.Tensor // [batch, seq, dim] encoder hidden states
	TextMask   *tensor.Tensor // [batch, seq] attention mask
	Speaker    *tensor.Tensor // [batch, SpeakerEmbedDim]; accepted but zeroed for released checkpoints
	LyricTokens [][]int64
	LyricMask   [][]int64

	// NullTextHidden optionally carries temperature-attenuated text states
	// from the external encoder, used as the null text branch when
	// entropy-reduced lyric conditioning is enabled. Zeroed states are used
	// when absent.
	NullTextHidden *tensor.Tensor
}

// Batch returns the batch size after validating that every piece of the
// bundle is aligned along the leading dimension.
func (c Conditioning) Batch() (int64, error) {
	if c.TextHidden == nil || c.TextHidden.Rank() != 3 {
		return 0, fmt.Errorf("%w: text hidden states must be [batch, seq, dim]", ErrShapeMismatch)
	}

	batch := c.TextHidden.Shape()[0]
	if batch < 1 {
		return 0, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}

	if c.TextMask == nil || c.TextMask.Rank() != 2 || c.TextMask.Shape()[0] != batch {
		return 0, fmt.Errorf("%w: text attention mask batch does not match hidden states", ErrShapeMismatch)
	}

	if c.Speaker == nil || c.Speaker.Rank() != 2 || c.Speaker.Shape()[0] != batch || c.Speaker.Shape()[1] != SpeakerEmbedDim {
		return 0, fmt.Errorf("%w: speaker embeddings must be [batch, %d]", ErrShapeMismatch, SpeakerEmbedDim)
	}

	if int64(len(c.LyricTokens)) != batch || int64(len(c.LyricMask)) != batch {
		return 0, fmt.Errorf("%w: lyric tokens/mask batch does not match hidden states", ErrShapeMismatch)
	}

	for i := range c.LyricTokens {
		if len(c.LyricTokens[i]) != len(c.LyricMask[i]) {
			return 0, fmt.Errorf("%w: lyric tokens and mask lengths differ in row %d", ErrShapeMismatch, i)
		}
	}

	if c.NullTextHidden != nil && !c.NullTextHidden.SameShape(c.TextHidden) {
		return 0, fmt.Errorf("%w: null text hidden states do not match text hidden states", ErrShapeMismatch)
	}

	return batch, nil
}

// nullVariant builds the fully unconditional bundle: zeroed text states
// (or the temperature-attenuated states when ergLyric is set and present),
// zeroed speaker and zeroed lyric tokens. Masks are kept so sequence
// geometry is unchanged.
func (c Conditioning) nullVariant(ergLyric bool) Conditioning {
	out := Conditioning{
		TextMask:  c.TextMask,
		LyricMask: c.LyricMask,
	}

	if ergLyric && c.NullTextHidden != nil {
		out.TextHidden = c.NullTextHidden
	} else {
		out.TextHidden, _ = tensor.Zeros(c.TextHidden.Shape())
	}

	out.Speaker, _ = tensor.Zeros(c.Speaker.Shape())
	out.LyricTokens = zeroTokens(c.LyricTokens)

	if ergLyric {
		// The lyric branch is attenuated by temperature instead of zeroed.
		out.LyricTokens = c.LyricTokens
	}

	return out
}

// noLyricVariant keeps the text branch but drops lyrics and speaker, used by
// double-condition guidance. With ergLyric set the lyric branch is kept and
// attenuated by temperature instead of zeroed.
func (c Conditioning) noLyricVariant(ergLyric bool) Conditioning {
	out := Conditioning{
		TextHidden: c.TextHidden,
		TextMask:   c.TextMask,
		LyricMask:  c.LyricMask,
	}

	out.Speaker, _ = tensor.Zeros(c.Speaker.Shape())

	if ergLyric {
		out.LyricTokens = c.LyricTokens
	} else {
		out.LyricTokens = zeroTokens(c.LyricTokens)
	}

	return out
}

func zeroTokens(tokens [][]int64) [][]int64 {
	out := make([][]int64, len(tokens))
	for i := range tokens {
		out[i] = make([]int64, len(tokens[i]))
	}

	return out
}

// TemperatureScale asks the predictor to attenuate the query projections of
// the attention layers in [LayerMin, LayerMax) by Tau for the duration of
// one call. This is the entropy-reduced null-conditioning mechanism; the
// predictor must support it natively.
type TemperatureScale struct {
	LayerMin int
	LayerMax int
	Tau      float32
}

// Encoded is the predictor's pre-computed conditioning context, produced
// once per sampling call and reused every step.
type Encoded struct {
	Hidden *tensor.Tensor
	Mask   *tensor.Tensor
}

// EncodeRequest asks the predictor to fuse one conditioning bundle into its
// cross-attention context.
type EncodeRequest struct {
	Cond        Conditioning
	Temperature *TemperatureScale
}

// VelocityRequest asks the predictor for one velocity estimate.
type VelocityRequest struct {
	Latent        *tensor.Tensor
	Timestep      float64
	AttentionMask *tensor.Tensor
	Cond          Encoded
	OutputLength  int64
	Temperature   *TemperatureScale
}

// Predictor is the black-box denoising network. Velocity must return a
// tensor of the same shape as the request latent. Implementations are
// reentrant but not safe for overlapping calls against one model instance;
// the sampler issues at most one call at a time.
type Predictor interface {
	Encode(ctx context.Context, req EncodeRequest) (Encoded, error)
	Velocity(ctx context.Context, req VelocityRequest) (*tensor.Tensor, error)
}
