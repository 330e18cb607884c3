package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/example/go-ace-step/internal/tensor"
)

// Temperature defaults for entropy-reduced null conditioning. The encoder
// range attenuates the lyric encoder's attention queries; the diffusion
// range attenuates the transformer's self/cross attention queries.
var (
	ergEncoderScale   = TemperatureScale{LayerMin: 4, LayerMax: 6, Tau: 0.01}
	ergDiffusionScale = TemperatureScale{LayerMin: 15, LayerMax: 20, Tau: 0.01}
)

// Sampler runs guided flow-matching sampling loops against a black-box
// predictor. One Sampler may serve many calls, but each call owns its
// schedule, momentum buffers and working latents exclusively; at most one
// call should be in flight per underlying model instance.
type Sampler struct {
	predictor Predictor
	schedules ScheduleBuilder
}

func New(predictor Predictor, schedules ScheduleBuilder) (*Sampler, error) {
	if predictor == nil {
		return nil, errors.New("sampler: predictor is required")
	}

	if schedules == nil {
		return nil, errors.New("sampler: schedule builder is required")
	}

	return &Sampler{predictor: predictor, schedules: schedules}, nil
}

// Result is the outcome of one sampling call. Seeds report the values
// actually used, including any drawn fresh for unseeded batch rows.
type Result struct {
	Latents     *tensor.Tensor
	Seeds       []int64
	RetakeSeeds []int64
}

// repaintState is the masking machinery shared by repaint and extend.
type repaintState struct {
	mask *tensor.Tensor // 1 where frames are regenerated
	x0   *tensor.Tensor // preserved source content
	z0   *tensor.Tensor // noise the regenerated region anneals toward
	nMin int            // schedule index where repainting begins
}

// extendState caches slices trimmed during extend setup for verbatim
// reattachment after the loop.
type extendState struct {
	left  *tensor.Tensor
	right *tensor.Tensor
}

// Generate runs the full text-to-audio sampling state machine for one task.
// The conditioning bundle and any source/reference latents are treated as
// immutable; the returned latent is freshly allocated.
func (s *Sampler) Generate(ctx context.Context, task Task, cond Conditioning, set Settings) (*Result, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}

	batch, err := cond.Batch()
	if err != nil {
		return nil, err
	}

	if err := validateTask(task, batch); err != nil {
		return nil, err
	}

	seeds := ResolveSeeds(int(batch), set.Seeds)
	retakeSeeds := ResolveSeeds(int(batch), set.RetakeSeeds)
	gens := Generators(seeds)
	retakeGens := Generators(retakeSeeds)

	frames, err := workingFrames(task)
	if err != nil {
		return nil, err
	}

	sched, steps, err := s.buildSchedule(set)
	if err != nil {
		return nil, err
	}

	timesteps := sched.Timesteps()

	doCFG := set.GuidanceScale != 0.0 && set.GuidanceScale != 1.0
	doDouble := set.GuidanceScaleText > 1.0 && set.GuidanceScaleLyric > 1.0

	target, err := tensor.RandNormal([]int64{batch, LatentChannels, LatentFeatures, frames}, gens)
	if err != nil {
		return nil, fmt.Errorf("sampler: draw initial noise: %w", err)
	}

	var repaint *repaintState

	var ext *extendState

	switch t := task.(type) {
	case Retake:
		target, err = quarterSineBlendFresh(target, retakeGens, t.Variance)
	case Repaint:
		target, repaint, err = prepareRepaint(target, retakeGens, t.Source, t.Start, t.End, t.Variance, steps)
	case Extend:
		target, repaint, ext, err = prepareExtend(target, retakeGens, t.Source, t.Start, t.End, t.Variance, steps)
		if err == nil {
			frames, err = target.Dim(-1)
		}
	}

	if err != nil {
		return nil, err
	}

	initTimestep := 1000.0
	if t, ok := task.(AudioToAudio); ok {
		target, initTimestep, err = prenoiseReference(t.Reference, target, t.Strength, sched)
		if err != nil {
			return nil, err
		}
	}

	attnMask, err := tensor.Full([]int64{batch, frames}, 1)
	if err != nil {
		return nil, err
	}

	condEnc, nullEnc, noLyricEnc, err := s.encodeConditioning(ctx, cond, set, doDouble)
	if err != nil {
		return nil, err
	}

	n := len(timesteps)
	startIdx := int(float64(n) * (1 - set.GuidanceInterval) / 2)
	endIdx := int(float64(n) * (set.GuidanceInterval/2 + 0.5))

	slog.Debug("sampling loop start",
		"task", task.Kind(), "steps", n, "frames", frames,
		"guidance_start", startIdx, "guidance_end", endIdx, "cfg", doCFG)

	buf := NewMomentumBuffer(set.Momentum)

	var diffTemp *TemperatureScale
	if set.UseERGDiffusion {
		t := ergDiffusionScale
		diffTemp = &t
	}

	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sampler: step loop: %w", ctx.Err())
		default:
		}

		if t > initTimestep {
			continue
		}

		if repaint != nil {
			if i < repaint.nMin {
				continue
			}

			if i == repaint.nMin {
				// Re-seed the working latent at this noise level from the
				// preserved content and the masked noise.
				target, err = tensor.Lerp(repaint.x0, repaint.z0, t/1000)
				if err != nil {
					return nil, fmt.Errorf("sampler: repaint warm start: %w", err)
				}
			}
		}

		var velocity *tensor.Tensor

		inInterval := i >= startIdx && i < endIdx
		if inInterval && doCFG {
			scale := currentGuidanceScale(set, i, startIdx, endIdx)

			condV, err := s.velocity(ctx, target, t, attnMask, condEnc, frames, nil)
			if err != nil {
				return nil, err
			}

			var textV *tensor.Tensor
			if doDouble {
				textV, err = s.velocity(ctx, target, t, attnMask, noLyricEnc, frames, nil)
				if err != nil {
					return nil, err
				}
			}

			uncondV, err := s.velocity(ctx, target, t, attnMask, nullEnc, frames, diffTemp)
			if err != nil {
				return nil, err
			}

			velocity, err = fuse(set, condV, uncondV, textV, scale, i, buf, doDouble)
			if err != nil {
				return nil, err
			}
		} else {
			velocity, err = s.velocity(ctx, target, t, attnMask, condEnc, frames, nil)
			if err != nil {
				return nil, err
			}
		}

		if repaint != nil && i >= repaint.nMin {
			target, err = repaintAdvance(target, velocity, repaint, timesteps, i)
		} else {
			target, err = sched.Step(target, velocity, t, set.OmegaScale)
		}

		if err != nil {
			return nil, fmt.Errorf("sampler: advance step %d: %w", i, err)
		}
	}

	if ext != nil {
		target, err = reassembleExtend(target, ext)
		if err != nil {
			return nil, err
		}
	}

	return &Result{Latents: target, Seeds: seeds, RetakeSeeds: retakeSeeds}, nil
}

// buildSchedule constructs the schedule for this call, applying the explicit
// step-subset remap when configured: the full schedule is built at the
// largest requested step, the named steps are picked, and the provider is
// rebuilt from their sigmas.
func (s *Sampler) buildSchedule(set Settings) (Schedule, int, error) {
	if len(set.OSSSteps) == 0 {
		sched, err := s.schedules(ScheduleSpec{Kind: set.Scheduler, Steps: set.Steps})
		if err != nil {
			return nil, 0, fmt.Errorf("sampler: build schedule: %w", err)
		}

		return sched, set.Steps, nil
	}

	maxStep := 0
	for _, v := range set.OSSSteps {
		if v > maxStep {
			maxStep = v
		}
	}

	base, err := s.schedules(ScheduleSpec{Kind: set.Scheduler, Steps: maxStep})
	if err != nil {
		return nil, 0, fmt.Errorf("sampler: build base schedule: %w", err)
	}

	ts := base.Timesteps()
	sigmas := make([]float64, len(set.OSSSteps))

	for i, step := range set.OSSSteps {
		if step > len(ts) {
			return nil, 0, fmt.Errorf("%w: oss step %d exceeds schedule length %d", ErrConfiguration, step, len(ts))
		}

		sigmas[i] = ts[step-1] / 1000
	}

	sched, err := s.schedules(ScheduleSpec{Kind: set.Scheduler, Sigmas: sigmas})
	if err != nil {
		return nil, 0, fmt.Errorf("sampler: remap schedule: %w", err)
	}

	slog.Debug("schedule remapped", "oss_steps", set.OSSSteps, "timesteps", sched.Timesteps())

	return sched, len(set.OSSSteps), nil
}

func (s *Sampler) encodeConditioning(ctx context.Context, cond Conditioning, set Settings, doDouble bool) (condEnc, nullEnc, noLyricEnc Encoded, err error) {
	condEnc, err = s.predictor.Encode(ctx, EncodeRequest{Cond: cond})
	if err != nil {
		return condEnc, nullEnc, noLyricEnc, fmt.Errorf("sampler: encode conditioning: %w", err)
	}

	nullReq := EncodeRequest{Cond: cond.nullVariant(set.UseERGLyric)}
	if set.UseERGLyric {
		t := ergEncoderScale
		nullReq.Temperature = &t
	}

	nullEnc, err = s.predictor.Encode(ctx, nullReq)
	if err != nil {
		return condEnc, nullEnc, noLyricEnc, fmt.Errorf("sampler: encode null conditioning: %w", err)
	}

	if doDouble {
		noLyricReq := EncodeRequest{Cond: cond.noLyricVariant(set.UseERGLyric)}
		if set.UseERGLyric {
			t := ergEncoderScale
			noLyricReq.Temperature = &t
		}

		noLyricEnc, err = s.predictor.Encode(ctx, noLyricReq)
		if err != nil {
			return condEnc, nullEnc, noLyricEnc, fmt.Errorf("sampler: encode text-only conditioning: %w", err)
		}
	}

	return condEnc, nullEnc, noLyricEnc, nil
}

func (s *Sampler) velocity(ctx context.Context, latent *tensor.Tensor, t float64, attnMask *tensor.Tensor, enc Encoded, frames int64, temp *TemperatureScale) (*tensor.Tensor, error) {
	v, err := s.predictor.Velocity(ctx, VelocityRequest{
		Latent:        latent,
		Timestep:      t,
		AttentionMask: attnMask,
		Cond:          enc,
		OutputLength:  frames,
		Temperature:   temp,
	})
	if err != nil {
		return nil, fmt.Errorf("sampler: predictor velocity: %w", err)
	}

	if v == nil || !v.SameShape(latent) {
		return nil, fmt.Errorf("sampler: %w: predictor returned shape %v for latent %v", ErrShapeMismatch, v.Shape(), latent.Shape())
	}

	return v, nil
}

func fuse(set Settings, condV, uncondV, textV *tensor.Tensor, scale float64, step int, buf *MomentumBuffer, doDouble bool) (*tensor.Tensor, error) {
	switch {
	case doDouble && textV != nil:
		return DoubleCondition(condV, uncondV, textV, set.GuidanceScaleText, set.GuidanceScaleLyric)
	case set.GuidanceMode == GuidanceAPG:
		return APG(condV, uncondV, scale, buf, set.APG)
	case set.GuidanceMode == GuidanceZeroStar:
		return CFGZeroStar(condV, uncondV, scale, step, set.ZeroSteps, set.UseZeroInit)
	default:
		return CFG(condV, uncondV, scale)
	}
}

// currentGuidanceScale linearly decays the guidance scale toward its floor
// across the guidance interval when decay is enabled.
func currentGuidanceScale(set Settings, i, startIdx, endIdx int) float64 {
	if set.GuidanceIntervalDecay <= 0 || endIdx-startIdx <= 1 {
		return set.GuidanceScale
	}

	progress := float64(i-startIdx) / float64(endIdx-startIdx-1)

	return set.GuidanceScale - (set.GuidanceScale-set.MinGuidanceScale)*progress*set.GuidanceIntervalDecay
}

// repaintAdvance performs the manual Euler update for repainted frames and
// splices the preserved trajectory back in everywhere else. The update
// accumulates in float64 before casting back.
func repaintAdvance(target, velocity *tensor.Tensor, rp *repaintState, timesteps []float64, i int) (*tensor.Tensor, error) {
	tI := timesteps[i] / 1000

	tIm1 := 0.0
	if i+1 < len(timesteps) {
		tIm1 = timesteps[i+1] / 1000
	}

	prev, err := tensor.AddScaled(target, velocity, tIm1-tI)
	if err != nil {
		return nil, err
	}

	preserved, err := tensor.Lerp(rp.x0, rp.z0, tIm1)
	if err != nil {
		return nil, err
	}

	return tensor.Where(rp.mask, prev, preserved)
}

func workingFrames(task Task) (int64, error) {
	switch t := task.(type) {
	case TextToMusic:
		dur := t.Duration
		if dur <= 0 {
			dur = 30 + rand.Float64()*210
			slog.Info("random audio duration", "seconds", dur)
		}

		return positiveFrames(FrameCount(dur))
	case Retake:
		return positiveFrames(FrameCount(t.Duration))
	case Repaint:
		return t.Source.Dim(-1)
	case Extend:
		return t.Source.Dim(-1)
	case AudioToAudio:
		return t.Reference.Dim(-1)
	default:
		return 0, fmt.Errorf("%w: unsupported task %T", ErrConfiguration, task)
	}
}

func positiveFrames(frames int64) (int64, error) {
	if frames < 1 {
		return 0, fmt.Errorf("%w: duration too short for one latent frame", ErrConfiguration)
	}

	return frames, nil
}

// quarterSineBlendFresh draws retake noise and blends it with the fresh draw
// on a quarter-sine curve so total variance stays normalized:
// cos(v*pi/2)*fresh + sin(v*pi/2)*retake.
func quarterSineBlendFresh(fresh *tensor.Tensor, retakeGens []*rand.Rand, variance float64) (*tensor.Tensor, error) {
	retake, err := tensor.RandNormal(fresh.Shape(), retakeGens)
	if err != nil {
		return nil, fmt.Errorf("sampler: draw retake noise: %w", err)
	}

	return quarterSineBlend(fresh, retake, variance)
}

func quarterSineBlend(fresh, retake *tensor.Tensor, variance float64) (*tensor.Tensor, error) {
	angle := variance * math.Pi / 2

	a, err := tensor.Scale(fresh, float32(math.Cos(angle)))
	if err != nil {
		return nil, err
	}

	b, err := tensor.Scale(retake, float32(math.Sin(angle)))
	if err != nil {
		return nil, err
	}

	return tensor.Add(a, b)
}

// prepareRepaint draws retake noise, blends it inside the repaint span and
// returns the masking state. A span covering the whole clip degenerates to
// the unmasked retake blend.
func prepareRepaint(fresh *tensor.Tensor, retakeGens []*rand.Rand, source *tensor.Tensor, startSec, endSec, variance float64, steps int) (*tensor.Tensor, *repaintState, error) {
	frames, err := fresh.Dim(-1)
	if err != nil {
		return nil, nil, err
	}

	startFrame := FrameCount(startSec)
	endFrame := FrameCount(endSec)

	if startFrame < 0 || endFrame > frames {
		return nil, nil, fmt.Errorf("%w: repaint span [%d:%d) outside clip of %d frames", ErrConfiguration, startFrame, endFrame, frames)
	}

	if endFrame-startFrame == frames {
		blended, err := quarterSineBlendFresh(fresh, retakeGens, variance)

		return blended, nil, err
	}

	retake, err := tensor.RandNormal(fresh.Shape(), retakeGens)
	if err != nil {
		return nil, nil, fmt.Errorf("sampler: draw retake noise: %w", err)
	}

	mask, err := SpanMask(fresh.Shape(), startFrame, endFrame)
	if err != nil {
		return nil, nil, err
	}

	blended, err := quarterSineBlend(fresh, retake, variance)
	if err != nil {
		return nil, nil, err
	}

	z0, err := tensor.Where(mask, blended, fresh)
	if err != nil {
		return nil, nil, err
	}

	rp := &repaintState{
		mask: mask,
		x0:   source.Clone(),
		z0:   z0,
		nMin: int(float64(steps) * (1 - variance)),
	}

	return fresh, rp, nil
}

// prepareExtend pads the source latent for out-of-range spans, caps the
// working length, caches trimmed overflow for reattachment and splices the
// working noise from pad (retake) and interior (fresh) regions. Zero padding
// on both sides degenerates to an ordinary repaint over the span.
func prepareExtend(fresh *tensor.Tensor, retakeGens []*rand.Rand, source *tensor.Tensor, startSec, endSec, variance float64, steps int) (*tensor.Tensor, *repaintState, *extendState, error) {
	srcFrames, err := source.Dim(-1)
	if err != nil {
		return nil, nil, nil, err
	}

	startFrame := FrameCount(startSec)
	endFrame := FrameCount(endSec)

	if startFrame >= 0 && endFrame <= srcFrames {
		target, rp, err := prepareRepaint(fresh, retakeGens, source, startSec, endSec, variance, steps)

		return target, rp, nil, err
	}

	retake, err := tensor.RandNormal(fresh.Shape(), retakeGens)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sampler: draw retake noise: %w", err)
	}

	gt := source.Clone()
	ext := &extendState{}

	leftPad := int64(0)

	rightPad := int64(0)

	leftTrim := int64(0)

	rightTrim := int64(0)

	if startFrame < 0 {
		leftPad = -startFrame
		if leftPad > srcFrames {
			return nil, nil, nil, fmt.Errorf("%w: left extension of %d frames exceeds source length %d", ErrConfiguration, leftPad, srcFrames)
		}

		gt, err = PadFrames(gt, leftPad, 0)
		if err != nil {
			return nil, nil, nil, err
		}

		var removed *tensor.Tensor

		gt, removed, err = TrimFrames(gt, MaxFrames, SideRight)
		if err != nil {
			return nil, nil, nil, err
		}

		if removed != nil {
			rightTrim, _ = removed.Dim(-1)
			ext.right = removed
		}
	}

	if endFrame > srcFrames {
		rightPad = endFrame - srcFrames
		if rightPad > srcFrames {
			return nil, nil, nil, fmt.Errorf("%w: right extension of %d frames exceeds source length %d", ErrConfiguration, rightPad, srcFrames)
		}

		gt, err = PadFrames(gt, 0, rightPad)
		if err != nil {
			return nil, nil, nil, err
		}

		var removed *tensor.Tensor

		gt, removed, err = TrimFrames(gt, MaxFrames, SideLeft)
		if err != nil {
			return nil, nil, nil, err
		}

		if removed != nil {
			leftTrim, _ = removed.Dim(-1)
			ext.left = removed
		}
	}

	frames, err := gt.Dim(-1)
	if err != nil {
		return nil, nil, nil, err
	}

	mask, err := tensor.Zeros(gt.Shape())
	if err != nil {
		return nil, nil, nil, err
	}

	if leftPad > 0 {
		leftMask, err := SpanMask(gt.Shape(), 0, leftPad)
		if err != nil {
			return nil, nil, nil, err
		}

		mask, err = tensor.Add(mask, leftMask)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if rightPad > 0 {
		rightMask, err := SpanMask(gt.Shape(), frames-rightPad, frames)
		if err != nil {
			return nil, nil, nil, err
		}

		mask, err = tensor.Add(mask, rightMask)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	// Working noise: retake noise over the pads, the surviving interior of
	// the fresh draw in between.
	pieces := make([]*tensor.Tensor, 0, 3)

	if leftPad > 0 {
		piece, err := retake.Narrow(-1, 0, leftPad)
		if err != nil {
			return nil, nil, nil, err
		}

		pieces = append(pieces, piece)
	}

	interior, err := fresh.Narrow(-1, leftTrim, srcFrames-leftTrim-rightTrim)
	if err != nil {
		return nil, nil, nil, err
	}

	pieces = append(pieces, interior)

	if rightPad > 0 {
		piece, err := retake.Narrow(-1, srcFrames-rightPad, rightPad)
		if err != nil {
			return nil, nil, nil, err
		}

		pieces = append(pieces, piece)
	}

	z0, err := tensor.Concat(pieces, -1)
	if err != nil {
		return nil, nil, nil, err
	}

	if z0Frames, _ := z0.Dim(-1); z0Frames != frames {
		return nil, nil, nil, fmt.Errorf("sampler: %w: spliced noise %d frames vs working length %d", ErrShapeMismatch, z0Frames, frames)
	}

	rp := &repaintState{
		mask: mask,
		x0:   gt,
		z0:   z0,
		nMin: int(float64(steps) * (1 - variance)),
	}

	return z0.Clone(), rp, ext, nil
}

// reassembleExtend reattaches trimmed overflow on the frame axis: content
// trimmed from the head goes back before the generated frames, content
// trimmed from the tail goes back after them. Those frames never pass
// through diffusion.
func reassembleExtend(target *tensor.Tensor, ext *extendState) (*tensor.Tensor, error) {
	pieces := make([]*tensor.Tensor, 0, 3)

	if ext.left != nil {
		pieces = append(pieces, ext.left)
	}

	pieces = append(pieces, target)

	if ext.right != nil {
		pieces = append(pieces, ext.right)
	}

	if len(pieces) == 1 {
		return target, nil
	}

	out, err := tensor.Concat(pieces, -1)
	if err != nil {
		return nil, fmt.Errorf("sampler: reattach trimmed frames: %w", err)
	}

	return out, nil
}

// prenoiseReference blends the reference latent toward fresh noise at the
// schedule's nearest noise level to the requested strength and returns the
// timestep above which loop iterations are skipped.
func prenoiseReference(ref, noise *tensor.Tensor, strength float64, sched Schedule) (*tensor.Tensor, float64, error) {
	u := 1 - strength
	requested := math.Floor(u * 1000)

	idx := NearestIndex(sched.Timesteps(), requested)
	sigma := sched.Sigma(idx)

	blended, err := tensor.Lerp(ref, noise, sigma)
	if err != nil {
		return nil, 0, fmt.Errorf("sampler: reference prenoise: %w", err)
	}

	return blended, requested, nil
}
