package sampler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-ace-step/internal/tensor"
)

// EditParams configures semantic editing. NMin and NMax are fractions of the
// step count bounding the delta-propagation region: steps before NMin are
// skipped, steps in [NMin, NMax) propagate averaged velocity deltas, and
// steps from NMax on run ordinary guided sampling on the target trajectory
// alone. NAvg sets how many noise draws each delta is averaged over.
type EditParams struct {
	Steps         int
	GuidanceScale float64
	NMin          float64
	NMax          float64
	NAvg          int

	GuidanceMode GuidanceMode
	Seeds        []int64
	Momentum     float64
	APG          APGParams
}

// DefaultEditParams mirrors the released checkpoint defaults for editing.
func DefaultEditParams() EditParams {
	return EditParams{
		Steps:         60,
		GuidanceScale: 15.0,
		NMin:          0.0,
		NMax:          1.0,
		NAvg:          1,
		GuidanceMode:  GuidanceAPG,
		Momentum:      -0.75,
		APG:           APGParams{Eta: 0.0, NormThreshold: 2.5},
	}
}

func (p EditParams) validate() error {
	if p.Steps < 1 {
		return fmt.Errorf("%w: edit steps must be >= 1, got %d", ErrConfiguration, p.Steps)
	}

	if p.NMin < 0 || p.NMax > 1 || p.NMin > p.NMax {
		return fmt.Errorf("%w: edit region [%v, %v] must satisfy 0 <= min <= max <= 1", ErrConfiguration, p.NMin, p.NMax)
	}

	if p.NAvg < 1 {
		return fmt.Errorf("%w: edit averaging count must be >= 1, got %d", ErrConfiguration, p.NAvg)
	}

	switch p.GuidanceMode {
	case GuidanceCFG, GuidanceAPG:
	default:
		return fmt.Errorf("%w: edit supports cfg and apg guidance, got %q", ErrConfiguration, p.GuidanceMode)
	}

	return nil
}

// Edit transforms a source latent toward new conditioning while preserving
// its overall structure. Two trajectories run in lockstep: the source
// trajectory renoises the source latent at each level, and the edit
// trajectory integrates the difference between target-guided and
// source-guided velocities. Each trajectory holds its own momentum buffer.
// Editing always runs on the Euler schedule.
func (s *Sampler) Edit(ctx context.Context, source *tensor.Tensor, srcCond, tgtCond Conditioning, p EditParams) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	batch, err := srcCond.Batch()
	if err != nil {
		return nil, err
	}

	tgtBatch, err := tgtCond.Batch()
	if err != nil {
		return nil, err
	}

	if batch != tgtBatch {
		return nil, fmt.Errorf("sampler: %w: source batch %d vs target batch %d", ErrShapeMismatch, batch, tgtBatch)
	}

	if err := checkSourceLatent(source, batch, "edit"); err != nil {
		return nil, err
	}

	seeds := ResolveSeeds(int(batch), p.Seeds)
	gens := Generators(seeds)

	sched, err := s.schedules(ScheduleSpec{Kind: SchedulerEuler, Steps: p.Steps})
	if err != nil {
		return nil, fmt.Errorf("sampler: build edit schedule: %w", err)
	}

	timesteps := sched.Timesteps()

	frames, err := source.Dim(-1)
	if err != nil {
		return nil, err
	}

	attnMask, err := tensor.Full([]int64{batch, frames}, 1)
	if err != nil {
		return nil, err
	}

	srcEnc, err := s.predictor.Encode(ctx, EncodeRequest{Cond: srcCond})
	if err != nil {
		return nil, fmt.Errorf("sampler: encode source conditioning: %w", err)
	}

	srcNull, err := s.predictor.Encode(ctx, EncodeRequest{Cond: srcCond.nullVariant(false)})
	if err != nil {
		return nil, fmt.Errorf("sampler: encode source null conditioning: %w", err)
	}

	tgtEnc, err := s.predictor.Encode(ctx, EncodeRequest{Cond: tgtCond})
	if err != nil {
		return nil, fmt.Errorf("sampler: encode target conditioning: %w", err)
	}

	tgtNull, err := s.predictor.Encode(ctx, EncodeRequest{Cond: tgtCond.nullVariant(false)})
	if err != nil {
		return nil, fmt.Errorf("sampler: encode target null conditioning: %w", err)
	}

	nMin := int(float64(p.Steps) * p.NMin)
	nMax := int(float64(p.Steps) * p.NMax)

	slog.Debug("edit loop start", "steps", p.Steps, "n_min", nMin, "n_max", nMax, "n_avg", p.NAvg)

	bufSrc := NewMomentumBuffer(p.Momentum)
	bufTar := NewMomentumBuffer(p.Momentum)

	ztEdit := source.Clone()

	var xtTar *tensor.Tensor

	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sampler: edit loop: %w", ctx.Err())
		default:
		}

		if i < nMin {
			continue
		}

		tI := t / 1000

		tIm1 := 0.0
		if i+1 < len(timesteps) {
			tIm1 = timesteps[i+1] / 1000
		}

		if i < nMax {
			vDelta, err := tensor.Zeros(source.Shape())
			if err != nil {
				return nil, err
			}

			for range p.NAvg {
				fwd, err := tensor.RandNormal(source.Shape(), gens)
				if err != nil {
					return nil, fmt.Errorf("sampler: draw edit noise: %w", err)
				}

				ztSrc, err := tensor.Lerp(source, fwd, tI)
				if err != nil {
					return nil, err
				}

				ztTar, err := shiftTrajectory(ztEdit, ztSrc, source)
				if err != nil {
					return nil, err
				}

				vSrc, err := s.guidedVelocity(ctx, ztSrc, t, attnMask, srcEnc, srcNull, frames, p, bufSrc)
				if err != nil {
					return nil, err
				}

				vTar, err := s.guidedVelocity(ctx, ztTar, t, attnMask, tgtEnc, tgtNull, frames, p, bufTar)
				if err != nil {
					return nil, err
				}

				delta, err := tensor.Sub(vTar, vSrc)
				if err != nil {
					return nil, err
				}

				vDelta, err = tensor.AddScaled(vDelta, delta, 1/float64(p.NAvg))
				if err != nil {
					return nil, err
				}
			}

			ztEdit, err = tensor.AddScaled(ztEdit, vDelta, tIm1-tI)
			if err != nil {
				return nil, fmt.Errorf("sampler: propagate edit step %d: %w", i, err)
			}

			continue
		}

		if xtTar == nil {
			// Entering the tail: freeze the edit trajectory and renoise the
			// source at the schedule's own noise level for this step.
			fwd, err := tensor.RandNormal(source.Shape(), gens)
			if err != nil {
				return nil, fmt.Errorf("sampler: draw tail noise: %w", err)
			}

			xtSrc, err := tensor.Lerp(source, fwd, sched.Sigma(i))
			if err != nil {
				return nil, err
			}

			xtTar, err = shiftTrajectory(ztEdit, xtSrc, source)
			if err != nil {
				return nil, err
			}
		}

		vTar, err := s.guidedVelocity(ctx, xtTar, t, attnMask, tgtEnc, tgtNull, frames, p, bufTar)
		if err != nil {
			return nil, err
		}

		xtTar, err = tensor.AddScaled(xtTar, vTar, tIm1-tI)
		if err != nil {
			return nil, fmt.Errorf("sampler: advance tail step %d: %w", i, err)
		}
	}

	latents := ztEdit
	if xtTar != nil {
		latents = xtTar
	}

	return &Result{Latents: latents, Seeds: seeds}, nil
}

// shiftTrajectory maps a source-trajectory sample onto the edit trajectory:
// edit + sample - source.
func shiftTrajectory(edit, sample, source *tensor.Tensor) (*tensor.Tensor, error) {
	offset, err := tensor.Sub(sample, source)
	if err != nil {
		return nil, err
	}

	return tensor.Add(edit, offset)
}

// guidedVelocity runs the predictor for one trajectory and applies the edit
// guidance fusion. Scales of 0 and 1 disable guidance and cost a single pass.
func (s *Sampler) guidedVelocity(ctx context.Context, latent *tensor.Tensor, t float64, attnMask *tensor.Tensor, enc, nullEnc Encoded, frames int64, p EditParams, buf *MomentumBuffer) (*tensor.Tensor, error) {
	condV, err := s.velocity(ctx, latent, t, attnMask, enc, frames, nil)
	if err != nil {
		return nil, err
	}

	if p.GuidanceScale == 0.0 || p.GuidanceScale == 1.0 {
		return condV, nil
	}

	uncondV, err := s.velocity(ctx, latent, t, attnMask, nullEnc, frames, nil)
	if err != nil {
		return nil, err
	}

	if p.GuidanceMode == GuidanceAPG {
		return APG(condV, uncondV, p.GuidanceScale, buf, p.APG)
	}

	return CFG(condV, uncondV, p.GuidanceScale)
}
