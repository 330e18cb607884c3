// Package pipeline is the session handle for one loaded model: it owns the
// ONNX engine and wires the sampler, the latent codec and the audio post
// chain together. Errors leaving Generate and Edit carry the stage they
// originated in (pre-processing, step loop, post-processing).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-ace-step/internal/audio"
	"github.com/example/go-ace-step/internal/codec"
	"github.com/example/go-ace-step/internal/config"
	"github.com/example/go-ace-step/internal/onnx"
	"github.com/example/go-ace-step/internal/sampler"
	"github.com/example/go-ace-step/internal/schedule"
	"github.com/example/go-ace-step/internal/tensor"
)

// Stage names the pipeline phase an error originated in.
type Stage string

const (
	StagePreprocess  Stage = "pre-processing"
	StageStepLoop    Stage = "step loop"
	StagePostprocess Stage = "post-processing"
)

// StageError tags an underlying error with its pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}

	return &StageError{Stage: stage, Err: err}
}

// Pipeline runs sampling calls against one loaded model. It is not safe for
// concurrent calls against a single instance.
type Pipeline struct {
	engine  *onnx.Engine
	sampler *sampler.Sampler
	codec   codec.Codec
	hooks   []audio.Hook
}

// New loads the manifest's graphs through ONNX Runtime and assembles a ready
// pipeline. The caller owns the returned pipeline and must Close it.
func New(cfg config.Config) (*Pipeline, error) {
	info, err := onnx.Bootstrap(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("pipeline: onnx runtime: %w", err)
	}

	slog.Info("onnx runtime ready", "library", info.LibraryPath, "version", info.Version)

	engine, err := onnx.NewEngine(cfg.Paths.ManifestPath, onnx.RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, fmt.Errorf("pipeline: open engine: %w", err)
	}

	predictor, err := onnx.NewPredictor(engine)
	if err != nil {
		engine.Close()

		return nil, fmt.Errorf("pipeline: predictor: %w", err)
	}

	latentCodec, err := onnx.NewLatentCodec(engine)
	if err != nil {
		engine.Close()

		return nil, fmt.Errorf("pipeline: codec: %w", err)
	}

	smp, err := sampler.New(predictor, schedule.Build)
	if err != nil {
		engine.Close()

		return nil, err
	}

	return &Pipeline{engine: engine, sampler: smp, codec: latentCodec}, nil
}

// NewFromComponents assembles a pipeline over externally supplied
// collaborators. A nil codec limits the pipeline to latent output.
func NewFromComponents(predictor sampler.Predictor, cdc codec.Codec, schedules sampler.ScheduleBuilder) (*Pipeline, error) {
	smp, err := sampler.New(predictor, schedules)
	if err != nil {
		return nil, err
	}

	return &Pipeline{sampler: smp, codec: cdc}, nil
}

// UseHooks sets the post-decode DSP chain applied to every generated clip.
func (p *Pipeline) UseHooks(hooks ...audio.Hook) {
	p.hooks = hooks
}

// Close releases the engine. Safe to call on a pipeline built without one.
func (p *Pipeline) Close() {
	if p.engine != nil {
		p.engine.Close()
	}
}

// Output is the result of one pipeline call: the raw latents, the seeds that
// produced them, and one WAV clip per batch row when a codec is available.
type Output struct {
	Latents     *tensor.Tensor
	Seeds       []int64
	RetakeSeeds []int64
	Clips       [][]byte
	SampleRate  int
}

// Generate runs one sampling task end to end: the step loop on the latents,
// then per-clip decode and post DSP.
func (p *Pipeline) Generate(ctx context.Context, task sampler.Task, cond sampler.Conditioning, set sampler.Settings) (*Output, error) {
	res, err := p.sampler.Generate(ctx, task, cond, set)
	if err != nil {
		return nil, stageErr(StageStepLoop, err)
	}

	out := &Output{Latents: res.Latents, Seeds: res.Seeds, RetakeSeeds: res.RetakeSeeds}
	if err := p.decodeClips(ctx, out); err != nil {
		return nil, err
	}

	return out, nil
}

// Edit runs the dual-trajectory semantic edit on a source latent and decodes
// the result.
func (p *Pipeline) Edit(ctx context.Context, source *tensor.Tensor, srcCond, tgtCond sampler.Conditioning, params sampler.EditParams) (*Output, error) {
	res, err := p.sampler.Edit(ctx, source, srcCond, tgtCond, params)
	if err != nil {
		return nil, stageErr(StageStepLoop, err)
	}

	out := &Output{Latents: res.Latents, Seeds: res.Seeds}
	if err := p.decodeClips(ctx, out); err != nil {
		return nil, err
	}

	return out, nil
}

// EncodeReference turns WAV bytes into a latent tensor, the input side of
// repaint, extend, audio2audio and edit.
func (p *Pipeline) EncodeReference(ctx context.Context, wavData []byte) (*tensor.Tensor, error) {
	if p.codec == nil {
		return nil, stageErr(StagePreprocess, errors.New("no codec available"))
	}

	channels, rate, err := audio.DecodeWAV(wavData)
	if err != nil {
		return nil, stageErr(StagePreprocess, err)
	}

	latent, err := p.codec.EncodeAudio(ctx, codec.Interleave(channels), rate)
	if err != nil {
		return nil, stageErr(StagePreprocess, err)
	}

	return latent, nil
}

func (p *Pipeline) decodeClips(ctx context.Context, out *Output) error {
	if p.codec == nil {
		return nil
	}

	batch, err := out.Latents.Dim(0)
	if err != nil {
		return stageErr(StagePostprocess, err)
	}

	for b := int64(0); b < batch; b++ {
		row, err := out.Latents.Narrow(0, b, 1)
		if err != nil {
			return stageErr(StagePostprocess, err)
		}

		channels, rate, err := p.codec.DecodeLatent(ctx, row)
		if err != nil {
			return stageErr(StagePostprocess, err)
		}

		if len(p.hooks) > 0 {
			channels = audio.ApplyHooks(channels, p.hooks...)
		}

		wav, err := audio.EncodeWAV(channels, rate)
		if err != nil {
			return stageErr(StagePostprocess, err)
		}

		out.Clips = append(out.Clips, wav)
		out.SampleRate = rate
	}

	return nil
}
