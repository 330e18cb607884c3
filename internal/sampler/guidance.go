package sampler

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-ace-step/internal/tensor"
)

// GuidanceMode selects how conditional and unconditional predictions are
// fused into one guided estimate.
type GuidanceMode string

const (
	GuidanceCFG      GuidanceMode = "cfg"
	GuidanceAPG      GuidanceMode = "apg"
	GuidanceZeroStar GuidanceMode = "cfg_star"
)

// MomentumBuffer carries the running average of past guidance directions for
// one trajectory. It is owned by a single in-flight sampling call; source
// and target trajectories each hold their own buffer.
type MomentumBuffer struct {
	momentum float64
	running  *tensor.Tensor
}

func NewMomentumBuffer(momentum float64) *MomentumBuffer {
	return &MomentumBuffer{momentum: momentum}
}

// Update blends the new guidance direction into the running average:
// running = update + momentum*running. The first update seeds the buffer.
func (b *MomentumBuffer) Update(update *tensor.Tensor) error {
	if update == nil {
		return errors.New("guidance: momentum update with nil tensor")
	}

	if b.running == nil {
		b.running = update.Clone()
		return nil
	}

	next, err := tensor.AddScaled(update, b.running, b.momentum)
	if err != nil {
		return fmt.Errorf("guidance: momentum update: %w", err)
	}

	b.running = next

	return nil
}

// Running returns the current running average, or nil before the first
// update.
func (b *MomentumBuffer) Running() *tensor.Tensor {
	return b.running
}

// CFG computes classifier-free guidance: uncond + scale*(cond - uncond).
// Elements are combined in float64 and cast back to float32. Callers must
// skip guidance entirely for scale 0 or 1; those values mean "guidance
// disabled", not a degenerate fusion.
func CFG(cond, uncond *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	if err := checkPair(cond, uncond); err != nil {
		return nil, err
	}

	c := cond.RawData()
	u := uncond.RawData()
	out := make([]float32, len(c))

	for i := range out {
		uv := float64(u[i])
		out[i] = float32(uv + scale*(float64(c[i])-uv))
	}

	return tensor.New(out, cond.Shape())
}

// APGParams tunes adaptive projected guidance. Eta reweights the component
// of the guidance direction parallel to the conditional prediction;
// NormThreshold caps the per-sample direction norm before projection
// (disabled when <= 0).
type APGParams struct {
	Eta           float64
	NormThreshold float64
}

// APG computes momentum-stabilized projected guidance. The momentum buffer,
// when non-nil, is updated in place and its running average replaces the raw
// cond-uncond difference. All projection and norm arithmetic accumulates in
// float64. With momentum 0, eta 1 and the norm threshold disabled, APG
// reduces exactly to CFG.
func APG(cond, uncond *tensor.Tensor, scale float64, buf *MomentumBuffer, p APGParams) (*tensor.Tensor, error) {
	if err := checkPair(cond, uncond); err != nil {
		return nil, err
	}

	diff, err := tensor.Sub(cond, uncond)
	if err != nil {
		return nil, fmt.Errorf("guidance: apg: %w", err)
	}

	if buf != nil {
		if err := buf.Update(diff); err != nil {
			return nil, err
		}

		diff = buf.Running()
	}

	shape := cond.Shape()
	batch := int(shape[0])
	rowSize := cond.ElemCount() / batch

	c := cond.RawData()
	d := diff.RawData()
	out := make([]float32, len(c))

	for r := range batch {
		base := r * rowSize

		// Optional norm clamp on the guidance direction.
		rowScale := 1.0
		if p.NormThreshold > 0 {
			var sq float64
			for i := range rowSize {
				v := float64(d[base+i])
				sq += v * v
			}

			if norm := math.Sqrt(sq); norm > p.NormThreshold {
				rowScale = p.NormThreshold / norm
			}
		}

		// Split the direction into components parallel and orthogonal to
		// the conditional prediction.
		var condSq, dot float64
		for i := range rowSize {
			cv := float64(c[base+i])
			condSq += cv * cv
			dot += rowScale * float64(d[base+i]) * cv
		}

		parCoef := 0.0
		if condSq > 0 {
			parCoef = dot / condSq
		}

		for i := range rowSize {
			cv := float64(c[base+i])
			dv := rowScale * float64(d[base+i])
			par := parCoef * cv
			orth := dv - par
			out[base+i] = float32(cv + (scale-1)*(orth+p.Eta*par))
		}
	}

	return tensor.New(out, shape)
}

// CFGZeroStar rescales the unconditional prediction by the per-sample
// least-squares projection coefficient onto the conditional prediction
// before applying guidance. When useZeroInit is set, iterations up to
// zeroSteps return an all-zero estimate to suppress cold-start artifacts.
// Projection arithmetic accumulates in float64.
func CFGZeroStar(cond, uncond *tensor.Tensor, scale float64, step, zeroSteps int, useZeroInit bool) (*tensor.Tensor, error) {
	if err := checkPair(cond, uncond); err != nil {
		return nil, err
	}

	if useZeroInit && step <= zeroSteps {
		return tensor.Zeros(cond.Shape())
	}

	dots, err := tensor.RowDot(cond, uncond)
	if err != nil {
		return nil, fmt.Errorf("guidance: cfg_star: %w", err)
	}

	norms, err := tensor.RowSqNorm(uncond)
	if err != nil {
		return nil, fmt.Errorf("guidance: cfg_star: %w", err)
	}

	shape := cond.Shape()
	batch := int(shape[0])
	rowSize := cond.ElemCount() / batch

	c := cond.RawData()
	u := uncond.RawData()
	out := make([]float32, len(c))

	for r := range batch {
		alpha := dots[r] / (norms[r] + 1e-8)
		base := r * rowSize

		for i := range rowSize {
			scaled := float64(u[base+i]) * alpha
			out[base+i] = float32(scaled + scale*(float64(c[base+i])-scaled))
		}
	}

	return tensor.New(out, shape)
}

// DoubleCondition fuses the full-conditioning, unconditional and
// text-only (lyric-weakened) predictions with independent text and lyric
// scales. The three coefficients sum to one. Combination is float64.
func DoubleCondition(cond, uncond, textOnly *tensor.Tensor, scaleText, scaleLyric float64) (*tensor.Tensor, error) {
	if err := checkPair(cond, uncond); err != nil {
		return nil, err
	}

	if textOnly == nil || !textOnly.SameShape(cond) {
		return nil, fmt.Errorf("guidance: %w: text-only prediction shape differs", ErrShapeMismatch)
	}

	c := cond.RawData()
	u := uncond.RawData()
	o := textOnly.RawData()
	out := make([]float32, len(c))

	for i := range out {
		out[i] = float32((1-scaleText)*float64(u[i]) + (scaleText-scaleLyric)*float64(o[i]) + scaleLyric*float64(c[i]))
	}

	return tensor.New(out, cond.Shape())
}

func checkPair(cond, uncond *tensor.Tensor) error {
	if cond == nil || uncond == nil {
		return errors.New("guidance: nil prediction")
	}

	if !cond.SameShape(uncond) {
		return fmt.Errorf("guidance: %w: cond %v vs uncond %v", ErrShapeMismatch, cond.Shape(), uncond.Shape())
	}

	if cond.Rank() < 1 || cond.Shape()[0] < 1 {
		return errors.New("guidance: predictions require a leading batch dimension")
	}

	return nil
}
