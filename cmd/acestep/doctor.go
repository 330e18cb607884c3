package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-ace-step/internal/doctor"
	"github.com/example/go-ace-step/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment for missing pieces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg := doctor.Config{
				Runtime: func() (string, error) {
					info, err := onnx.DetectRuntime(cfg.Runtime)
					if err != nil {
						return "", err
					}

					return fmt.Sprintf("%s (version %s)", info.LibraryPath, info.Version), nil
				},
				ManifestPath:   cfg.Paths.ManifestPath,
				Graphs:         map[string]string{},
				RequiredGraphs: []string{"transformer_encode", "transformer_velocity"},
				OutputDir:      cfg.Paths.OutputDir,
			}

			mgr, err := onnx.NewSessionManager(cfg.Paths.ManifestPath)
			if err == nil {
				for _, s := range mgr.Sessions() {
					dcfg.Graphs[s.Name] = s.Path
				}
			}

			res := doctor.Run(dcfg, cmd.OutOrStdout())
			if res.Failed() {
				return fmt.Errorf("%d check(s) failed", len(res.Failures()))
			}

			return nil
		},
	}
}
