package tensor

import (
	"errors"
	"fmt"
)

// Add returns a + b. Shapes must match exactly; the sampler never broadcasts
// latents.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b, "add"); err != nil {
		return nil, err
	}

	out := make([]float32, len(a.data))
	for i := range out {
		out[i] = a.data[i] + b.data[i]
	}

	return newOwned(out, a.Shape()), nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b, "sub"); err != nil {
		return nil, err
	}

	out := make([]float32, len(a.data))
	for i := range out {
		out[i] = a.data[i] - b.data[i]
	}

	return newOwned(out, a.Shape()), nil
}

// Scale returns t * s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: scale on nil tensor")
	}

	out := make([]float32, len(t.data))
	for i := range out {
		out[i] = t.data[i] * s
	}

	return newOwned(out, t.Shape()), nil
}

// AddScaled returns a + s*b, accumulating each element in float64 before
// casting back to float32. Integration steps use this so that small velocity
// increments are not lost against large sample magnitudes.
func AddScaled(a, b *Tensor, s float64) (*Tensor, error) {
	if err := checkBinary(a, b, "addscaled"); err != nil {
		return nil, err
	}

	out := make([]float32, len(a.data))
	for i := range out {
		out[i] = float32(float64(a.data[i]) + s*float64(b.data[i]))
	}

	return newOwned(out, a.Shape()), nil
}

// Lerp returns (1-t)*a + t*b.
func Lerp(a, b *Tensor, t float64) (*Tensor, error) {
	if err := checkBinary(a, b, "lerp"); err != nil {
		return nil, err
	}

	out := make([]float32, len(a.data))
	for i := range out {
		out[i] = float32((1-t)*float64(a.data[i]) + t*float64(b.data[i]))
	}

	return newOwned(out, a.Shape()), nil
}

// Where selects a where mask is 1 and b elsewhere. The mask uses 0/1 float
// values and must match the operand shapes.
func Where(mask, a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b, "where"); err != nil {
		return nil, err
	}

	if mask == nil || !mask.SameShape(a) {
		return nil, fmt.Errorf("tensor: where: mask shape %v does not match operand shape %v", mask.Shape(), a.Shape())
	}

	out := make([]float32, len(a.data))
	for i := range out {
		if mask.data[i] == 1.0 {
			out[i] = a.data[i]
		} else {
			out[i] = b.data[i]
		}
	}

	return newOwned(out, a.Shape()), nil
}

// RowDot computes the per-row dot product of a and b, flattening every
// dimension after the leading one. Accumulation is float64.
func RowDot(a, b *Tensor) ([]float64, error) {
	if err := checkBinary(a, b, "rowdot"); err != nil {
		return nil, err
	}

	if a.Rank() < 1 || a.shape[0] == 0 {
		return nil, errors.New("tensor: rowdot requires a non-empty leading dimension")
	}

	rows := int(a.shape[0])
	rowSize := len(a.data) / rows
	out := make([]float64, rows)

	for r := range rows {
		base := r * rowSize

		var sum float64
		for i := range rowSize {
			sum += float64(a.data[base+i]) * float64(b.data[base+i])
		}

		out[r] = sum
	}

	return out, nil
}

// RowSqNorm computes the per-row squared L2 norm, flattening every dimension
// after the leading one. Accumulation is float64.
func RowSqNorm(t *Tensor) ([]float64, error) {
	return RowDot(t, t)
}

func checkBinary(a, b *Tensor, opName string) error {
	if a == nil || b == nil {
		return fmt.Errorf("tensor: %s requires non-nil inputs", opName)
	}

	if !a.SameShape(b) {
		return fmt.Errorf("tensor: %s shape mismatch: %v vs %v", opName, a.Shape(), b.Shape())
	}

	return nil
}
