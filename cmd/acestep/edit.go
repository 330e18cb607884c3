package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-ace-step/internal/pipeline"
	"github.com/example/go-ace-step/internal/sampler"
)

func newEditCmd() *cobra.Command {
	var (
		srcBundle     string
		tgtBundle     string
		sourceLatents string
		sourceAudio   string
		nMin          float64
		nMax          float64
		nAvg          int
		outPrefix     string
		saveLatents   string
		normalize     bool
		dcBlock       bool
		fadeInMS      float64
		fadeOutMS     float64
	)

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Rework a clip toward new conditioning while keeping its structure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			set, err := cfg.Sampling.Settings()
			if err != nil {
				return err
			}

			params := sampler.DefaultEditParams()
			params.Steps = set.Steps
			params.GuidanceScale = set.GuidanceScale
			params.GuidanceMode = set.GuidanceMode
			params.Seeds = set.Seeds
			params.Momentum = set.Momentum
			params.APG = set.APG
			params.NMin = nMin
			params.NMax = nMax
			params.NAvg = nAvg

			srcCond, err := pipeline.LoadConditioning(srcBundle)
			if err != nil {
				return err
			}

			tgtCond, err := pipeline.LoadConditioning(tgtBundle)
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

			if source == nil {
				return fmt.Errorf("edit requires --source-latents or --source-audio")
			}

			out, err := p.Edit(cmd.Context(), source, srcCond, tgtCond, params)
			if err != nil {
				return err
			}

			slog.Info("edit complete", "seeds", out.Seeds)

			if saveLatents != "" {
				if err := pipeline.SaveLatents(saveLatents, out.Latents); err != nil {
					return err
				}
			}

			return writeClips(cfg.Paths.OutputDir, outPrefix, out.Clips, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&srcBundle, "cond", "", "Conditioning bundle the source clip was generated with")
	cmd.Flags().StringVar(&tgtBundle, "target-cond", "", "Conditioning bundle to steer the edit toward")
	cmd.Flags().StringVar(&sourceLatents, "source-latents", "", "Source latents (.safetensors)")
	cmd.Flags().StringVar(&sourceAudio, "source-audio", "", "Source WAV encoded through the codec instead of --source-latents")
	cmd.Flags().Float64Var(&nMin, "n-min", 0.0, "Fraction of steps to skip before delta propagation")
	cmd.Flags().Float64Var(&nMax, "n-max", 1.0, "Fraction of steps after which the edit runs pure target sampling")
	cmd.Flags().IntVar(&nAvg, "n-avg", 1, "Noise draws averaged per delta step")
	cmd.Flags().StringVar(&outPrefix, "out", "edit", "Output file prefix inside the output directory")
	cmd.Flags().StringVar(&saveLatents, "save-latents", "", "Also save raw latents to this .safetensors path")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Peak-normalize output audio")
	cmd.Flags().BoolVar(&dcBlock, "dc-block", false, "Apply DC-block high-pass filter")
	cmd.Flags().Float64Var(&fadeInMS, "fade-in-ms", 0, "Apply linear fade-in duration in milliseconds")
	cmd.Flags().Float64Var(&fadeOutMS, "fade-out-ms", 0, "Apply linear fade-out duration in milliseconds")

	_ = cmd.MarkFlagRequired("cond")
	_ = cmd.MarkFlagRequired("target-cond")

	return cmd
}
