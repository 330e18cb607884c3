// Package schedule provides flow-matching noise schedules and their
// integration rules. A schedule owns the discrete timestep sequence for one
// sampling call and advances latents one step at a time; providers are
// stateful and must not be shared between concurrent calls.
package schedule

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-ace-step/internal/tensor"
)

const numTrainTimesteps = 1000

// shiftSigma applies the resolution shift to a raw noise fraction.
func shiftSigma(sigma, shift float64) float64 {
	return shift * sigma / (1 + (shift-1)*sigma)
}

// omegaGain maps the caller-facing omega scale onto a bounded multiplier for
// the per-step update, centered at 1 for omega 0 and saturating at 2.
func omegaGain(omega float64) float64 {
	return 2 / (1 + math.Exp(-omega/10))
}

// Euler integrates the flow ODE with single forward differences. Timesteps
// run from high noise to low on a shifted linspace; the final sigma is zero
// so the last step lands on the clean sample.
type Euler struct {
	timesteps []float64
	sigmas    []float64
	cursor    int
}

// NewEuler builds an Euler schedule over the given number of steps with the
// standard resolution shift of 3.
func NewEuler(steps int) (*Euler, error) {
	if steps < 1 {
		return nil, fmt.Errorf("schedule: steps must be >= 1, got %d", steps)
	}

	sigmas := make([]float64, 0, steps+1)
	timesteps := make([]float64, 0, steps)

	sigmaMax := 1.0
	sigmaMin := 1.0 / numTrainTimesteps

	for i := range steps {
		raw := sigmaMax
		if steps > 1 {
			raw = sigmaMax + (sigmaMin-sigmaMax)*float64(i)/float64(steps-1)
		}

		s := shiftSigma(raw, 3.0)
		sigmas = append(sigmas, s)
		timesteps = append(timesteps, s*numTrainTimesteps)
	}

	sigmas = append(sigmas, 0)

	return &Euler{timesteps: timesteps, sigmas: sigmas}, nil
}

// NewEulerWithSigmas builds an Euler schedule directly from explicit noise
// fractions, highest first. Used for step-subset remaps.
func NewEulerWithSigmas(sigmas []float64) (*Euler, error) {
	ts, padded, err := checkSigmas(sigmas)
	if err != nil {
		return nil, err
	}

	return &Euler{timesteps: ts, sigmas: padded}, nil
}

func checkSigmas(sigmas []float64) (timesteps, padded []float64, err error) {
	if len(sigmas) == 0 {
		return nil, nil, errors.New("schedule: explicit sigmas are empty")
	}

	timesteps = make([]float64, len(sigmas))
	padded = make([]float64, 0, len(sigmas)+1)

	prev := math.Inf(1)

	for i, s := range sigmas {
		if s <= 0 || s > 1 {
			return nil, nil, fmt.Errorf("schedule: sigma %v at index %d outside (0, 1]", s, i)
		}

		if s >= prev {
			return nil, nil, fmt.Errorf("schedule: sigmas must strictly decrease, got %v after %v", s, prev)
		}

		prev = s
		timesteps[i] = s * numTrainTimesteps
		padded = append(padded, s)
	}

	padded = append(padded, 0)

	return timesteps, padded, nil
}

func (e *Euler) Timesteps() []float64 { return e.timesteps }

// Sigma returns the noise fraction entering step i. Index len(Timesteps())
// is valid and returns the terminal zero.
func (e *Euler) Sigma(i int) float64 { return e.sigmas[i] }

// Step advances the sample by one Euler update. The timestep must match an
// entry at or after the provider's cursor; skipped entries are consumed
// without integrating, which keeps warm starts mid-schedule cheap.
func (e *Euler) Step(sample, velocity *tensor.Tensor, timestep, omega float64) (*tensor.Tensor, error) {
	i, err := seek(e.timesteps, &e.cursor, timestep)
	if err != nil {
		return nil, err
	}

	dt := e.sigmas[i+1] - e.sigmas[i]

	out, err := tensor.AddScaled(sample, velocity, dt*omegaGain(omega))
	if err != nil {
		return nil, fmt.Errorf("schedule: euler step: %w", err)
	}

	return out, nil
}

// seek finds timestep in ts at or after *cursor and advances the cursor past
// it.
func seek(ts []float64, cursor *int, timestep float64) (int, error) {
	for i := *cursor; i < len(ts); i++ {
		if math.Abs(ts[i]-timestep) < 1e-6 {
			*cursor = i + 1
			return i, nil
		}
	}

	return 0, fmt.Errorf("schedule: timestep %v not found at or after position %d", timestep, *cursor)
}
