package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-ace-step/internal/audio"
	"github.com/example/go-ace-step/internal/codec"
	"github.com/example/go-ace-step/internal/pipeline"
	"github.com/example/go-ace-step/internal/sampler"
	"github.com/example/go-ace-step/internal/tensor"
)

func newGenerateCmd() *cobra.Command {
	var (
		condPath      string
		task          string
		duration      float64
		variance      float64
		spanStart     float64
		spanEnd       float64
		strength      float64
		sourceLatents string
		sourceAudio   string
		outPrefix     string
		saveLatents   string
		normalize     bool
		dcBlock       bool
		fadeInMS      float64
		fadeOutMS     float64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one sampling task and write WAV clips",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			set, err := cfg.Sampling.Settings()
			if err != nil {
				return err
			}

			cond, err := pipeline.LoadConditioning(condPath)
			if err != nil {
				return err
			}

			p, err := pipeline.New(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			p.UseHooks(buildHooks(normalize, dcBlock, fadeInMS, fadeOutMS)...)

			source, err := resolveSource(cmd.Context(), p, sourceLatents, sourceAudio)
			if err != nil {
				return err
			}

			t, err := buildTask(task, taskOptions{
				Duration: duration,
				Variance: variance,
				Start:    spanStart,
				End:      spanEnd,
				Strength: strength,
				Source:   source,
			})
			if err != nil {
				return err
			}

			out, err := p.Generate(cmd.Context(), t, cond, set)
			if err != nil {
				return err
			}

			slog.Info("generation complete",
				"task", t.Kind(), "seeds", out.Seeds, "retake_seeds", out.RetakeSeeds)

			if saveLatents != "" {
				if err := pipeline.SaveLatents(saveLatents, out.Latents); err != nil {
					return err
				}
			}

			return writeClips(cfg.Paths.OutputDir, outPrefix, out.Clips, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&condPath, "cond", "", "Conditioning bundle (.safetensors) from the text/lyric front end")
	cmd.Flags().StringVar(&task, "task", "text2music", "Task (text2music|retake|repaint|extend|audio2audio)")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Clip duration in seconds (<= 0 draws a random duration)")
	cmd.Flags().Float64Var(&variance, "variance", 0.5, "Retake/repaint/extend noise variance in [0, 1]")
	cmd.Flags().Float64Var(&spanStart, "span-start", 0, "Repaint/extend span start in seconds (negative extends left)")
	cmd.Flags().Float64Var(&spanEnd, "span-end", 0, "Repaint/extend span end in seconds (past the clip extends right)")
	cmd.Flags().Float64Var(&strength, "strength", 0.5, "audio2audio reference strength in [0, 1]")
	cmd.Flags().StringVar(&sourceLatents, "source-latents", "", "Source latents (.safetensors) for repaint/extend/audio2audio")
	cmd.Flags().StringVar(&sourceAudio, "source-audio", "", "Source WAV encoded through the codec instead of --source-latents")
	cmd.Flags().StringVar(&outPrefix, "out", "clip", "Output file prefix inside the output directory")
	cmd.Flags().StringVar(&saveLatents, "save-latents", "", "Also save raw latents to this .safetensors path")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Peak-normalize output audio")
	cmd.Flags().BoolVar(&dcBlock, "dc-block", false, "Apply DC-block high-pass filter")
	cmd.Flags().Float64Var(&fadeInMS, "fade-in-ms", 0, "Apply linear fade-in duration in milliseconds")
	cmd.Flags().Float64Var(&fadeOutMS, "fade-out-ms", 0, "Apply linear fade-out duration in milliseconds")

	_ = cmd.MarkFlagRequired("cond")

	return cmd
}

type taskOptions struct {
	Duration float64
	Variance float64
	Start    float64
	End      float64
	Strength float64
	Source   *tensor.Tensor
}

func buildTask(kind string, opt taskOptions) (sampler.Task, error) {
	switch kind {
	case "text2music":
		return sampler.TextToMusic{Duration: opt.Duration}, nil
	case "retake":
		return sampler.Retake{Duration: opt.Duration, Variance: opt.Variance}, nil
	case "repaint":
		if opt.Source == nil {
			return nil, fmt.Errorf("repaint requires --source-latents or --source-audio")
		}

		return sampler.Repaint{Source: opt.Source, Start: opt.Start, End: opt.End, Variance: opt.Variance}, nil
	case "extend":
		if opt.Source == nil {
			return nil, fmt.Errorf("extend requires --source-latents or --source-audio")
		}

		return sampler.Extend{Source: opt.Source, Start: opt.Start, End: opt.End, Variance: opt.Variance}, nil
	case "audio2audio":
		if opt.Source == nil {
			return nil, fmt.Errorf("audio2audio requires --source-latents or --source-audio")
		}

		return sampler.AudioToAudio{Reference: opt.Source, Strength: opt.Strength}, nil
	default:
		return nil, fmt.Errorf("unknown task %q", kind)
	}
}

func buildHooks(normalize, dcBlock bool, fadeInMS, fadeOutMS float64) []audio.Hook {
	var hooks []audio.Hook

	if normalize {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.PeakNormalize(s, 1.0)
		})
	}

	if dcBlock {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.DCBlock(s, codec.SampleRate)
		})
	}

	if fadeInMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.FadeIn(s, codec.SampleRate, fadeInMS)
		})
	}

	if fadeOutMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.FadeOut(s, codec.SampleRate, fadeOutMS)
		})
	}

	return hooks
}

func resolveSource(ctx context.Context, p *pipeline.Pipeline, latentsPath, audioPath string) (*tensor.Tensor, error) {
	switch {
	case latentsPath != "" && audioPath != "":
		return nil, fmt.Errorf("--source-latents and --source-audio are mutually exclusive")
	case latentsPath != "":
		return pipeline.LoadLatents(latentsPath)
	case audioPath != "":
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return nil, fmt.Errorf("read source audio: %w", err)
		}

		return p.EncodeReference(ctx, data)
	default:
		return nil, nil
	}
}

func writeClips(dir, prefix string, clips [][]byte, w io.Writer) error {
	if len(clips) == 0 {
		fmt.Fprintln(w, "no clips decoded; latents only")

		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for i, clip := range clips {
		name := fmt.Sprintf("%s.wav", prefix)
		if len(clips) > 1 {
			name = fmt.Sprintf("%s_%d.wav", prefix, i)
		}

		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, clip, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}

		fmt.Fprintln(w, path)
	}

	return nil
}
