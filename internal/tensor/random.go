package tensor

import (
	"errors"
	"fmt"
	"math/rand"
)

// RandNormal draws a standard-normal tensor. Each row along the leading
// (batch) dimension is filled from its own generator so that per-row seeds
// reproduce per-row noise regardless of batch size.
func RandNormal(shape []int64, gens []*rand.Rand) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.New("tensor: randnormal requires rank >= 1")
	}

	if int64(len(gens)) != shape[0] {
		return nil, fmt.Errorf("tensor: randnormal got %d generators for batch size %d", len(gens), shape[0])
	}

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	if len(out.data) == 0 {
		return out, nil
	}

	rowSize := len(out.data) / int(shape[0])

	for r, g := range gens {
		base := r * rowSize
		for i := range rowSize {
			out.data[base+i] = float32(g.NormFloat64())
		}
	}

	return out, nil
}
