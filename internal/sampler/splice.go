package sampler

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-ace-step/internal/tensor"
)

// Side names an end of the frame axis for trim operations.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// PadFrames zero-pads a latent along the frame axis.
func PadFrames(t *tensor.Tensor, left, right int64) (*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("splice: pad on nil tensor")
	}

	if left < 0 || right < 0 {
		return nil, fmt.Errorf("splice: negative pad lengths %d/%d", left, right)
	}

	if left == 0 && right == 0 {
		return t.Clone(), nil
	}

	shape := t.Shape()
	pieces := make([]*tensor.Tensor, 0, 3)

	if left > 0 {
		padShape := append([]int64(nil), shape...)
		padShape[len(padShape)-1] = left

		pad, err := tensor.Zeros(padShape)
		if err != nil {
			return nil, err
		}

		pieces = append(pieces, pad)
	}

	pieces = append(pieces, t)

	if right > 0 {
		padShape := append([]int64(nil), shape...)
		padShape[len(padShape)-1] = right

		pad, err := tensor.Zeros(padShape)
		if err != nil {
			return nil, err
		}

		pieces = append(pieces, pad)
	}

	out, err := tensor.Concat(pieces, -1)
	if err != nil {
		return nil, fmt.Errorf("splice: pad: %w", err)
	}

	return out, nil
}

// TrimFrames caps a latent at maxFrames along the frame axis, removing the
// excess from the given side. It returns the kept tensor and the removed
// slice so the caller can reattach it verbatim later. The removed tensor is
// nil when nothing was trimmed.
func TrimFrames(t *tensor.Tensor, maxFrames int64, from Side) (kept, removed *tensor.Tensor, err error) {
	if t == nil {
		return nil, nil, errors.New("splice: trim on nil tensor")
	}

	if maxFrames < 1 {
		return nil, nil, fmt.Errorf("splice: trim to non-positive length %d", maxFrames)
	}

	frames, err := t.Dim(-1)
	if err != nil {
		return nil, nil, err
	}

	if frames <= maxFrames {
		return t.Clone(), nil, nil
	}

	excess := frames - maxFrames

	switch from {
	case SideRight:
		kept, err = t.Narrow(-1, 0, maxFrames)
		if err == nil {
			removed, err = t.Narrow(-1, maxFrames, excess)
		}
	case SideLeft:
		kept, err = t.Narrow(-1, excess, maxFrames)
		if err == nil {
			removed, err = t.Narrow(-1, 0, excess)
		}
	default:
		return nil, nil, fmt.Errorf("splice: unknown trim side %d", from)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("splice: trim: %w", err)
	}

	return kept, removed, nil
}

// SpanMask builds a 0/1 mask of the given latent shape that is 1 inside
// [start, end) along the frame axis.
func SpanMask(shape []int64, start, end int64) (*tensor.Tensor, error) {
	if len(shape) < 1 {
		return nil, errors.New("splice: span mask requires rank >= 1")
	}

	frames := shape[len(shape)-1]
	if start < 0 || end < start || end > frames {
		return nil, fmt.Errorf("splice: span [%d:%d] out of range for %d frames", start, end, frames)
	}

	total := int64(1)
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("splice: span mask shape %v has a negative dimension", shape)
		}

		total *= d
	}

	data := make([]float32, total)
	rows := int64(0)
	if frames > 0 {
		rows = total / frames
	}

	for r := range rows {
		base := r * frames
		for f := start; f < end; f++ {
			data[base+f] = 1.0
		}
	}

	return tensor.New(data, shape)
}

// NearestIndex returns the index of the sequence value closest to target,
// breaking ties toward the first occurrence.
func NearestIndex(seq []float64, target float64) int {
	best := 0
	bestDist := math.Inf(1)

	for i, v := range seq {
		if d := math.Abs(v - target); d < bestDist {
			best = i
			bestDist = d
		}
	}

	return best
}
