package schedule

import (
	"fmt"

	"github.com/example/go-ace-step/internal/tensor"
)

// Heun integrates the flow ODE with a two-stage predictor-corrector. The
// timestep sequence interleaves every step after the first, so callers see
// each interior timestep twice: the first visit predicts with a plain Euler
// update and the second corrects with the averaged derivative. A schedule of
// N steps therefore exposes 2N-1 timesteps and costs 2N-1 velocity
// evaluations.
type Heun struct {
	timesteps []float64
	sigmas    []float64
	cursor    int

	// predictor stage carried to the matching corrector call
	prevSample     *tensor.Tensor
	prevDerivative *tensor.Tensor
	dt             float64
}

func NewHeun(steps int) (*Heun, error) {
	base, err := NewEuler(steps)
	if err != nil {
		return nil, err
	}

	return newHeunFrom(base), nil
}

// NewHeunWithSigmas builds a Heun schedule from explicit noise fractions,
// highest first.
func NewHeunWithSigmas(sigmas []float64) (*Heun, error) {
	base, err := NewEulerWithSigmas(sigmas)
	if err != nil {
		return nil, err
	}

	return newHeunFrom(base), nil
}

func newHeunFrom(base *Euler) *Heun {
	n := len(base.timesteps)

	ts := make([]float64, 0, 2*n-1)
	sg := make([]float64, 0, 2*n)

	ts = append(ts, base.timesteps[0])
	sg = append(sg, base.sigmas[0])

	for i := 1; i < n; i++ {
		ts = append(ts, base.timesteps[i], base.timesteps[i])
		sg = append(sg, base.sigmas[i], base.sigmas[i])
	}

	sg = append(sg, 0)

	return &Heun{timesteps: ts, sigmas: sg}
}

func (h *Heun) Timesteps() []float64 { return h.timesteps }

func (h *Heun) Sigma(i int) float64 { return h.sigmas[i] }

// Step advances one stage. Predictor stages save the incoming sample and
// derivative and step forward with them; the matching corrector stage
// replays the saved step with the mean of both derivatives.
func (h *Heun) Step(sample, velocity *tensor.Tensor, timestep, omega float64) (*tensor.Tensor, error) {
	i, err := seek(h.timesteps, &h.cursor, timestep)
	if err != nil {
		return nil, err
	}

	gain := omegaGain(omega)

	if h.prevDerivative == nil {
		h.prevSample = sample.Clone()
		h.prevDerivative = velocity.Clone()
		h.dt = h.sigmas[i+1] - h.sigmas[i]

		out, err := tensor.AddScaled(sample, velocity, h.dt*gain)
		if err != nil {
			return nil, fmt.Errorf("schedule: heun predict: %w", err)
		}

		return out, nil
	}

	mean, err := tensor.Lerp(h.prevDerivative, velocity, 0.5)
	if err != nil {
		return nil, fmt.Errorf("schedule: heun correct: %w", err)
	}

	out, err := tensor.AddScaled(h.prevSample, mean, h.dt*gain)
	if err != nil {
		return nil, fmt.Errorf("schedule: heun correct: %w", err)
	}

	h.prevSample = nil
	h.prevDerivative = nil

	return out, nil
}
