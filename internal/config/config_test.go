package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/example/go-ace-step/internal/sampler"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered at their defaults.
func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.ManifestPath != "models/manifest.json" {
		t.Errorf("ManifestPath = %q; want %q", cfg.Paths.ManifestPath, "models/manifest.json")
	}

	if cfg.Runtime.Threads != 4 {
		t.Errorf("Runtime.Threads = %d; want 4", cfg.Runtime.Threads)
	}

	if cfg.Sampling.Steps != 60 {
		t.Errorf("Sampling.Steps = %d; want 60", cfg.Sampling.Steps)
	}

	if cfg.Sampling.Scheduler != "euler" {
		t.Errorf("Sampling.Scheduler = %q; want euler", cfg.Sampling.Scheduler)
	}

	if cfg.Sampling.GuidanceMode != "apg" {
		t.Errorf("Sampling.GuidanceMode = %q; want apg", cfg.Sampling.GuidanceMode)
	}

	if cfg.Sampling.GuidanceScale != 15.0 {
		t.Errorf("Sampling.GuidanceScale = %v; want 15", cfg.Sampling.GuidanceScale)
	}

	if cfg.Sampling.Momentum != -0.75 {
		t.Errorf("Sampling.Momentum = %v; want -0.75", cfg.Sampling.Momentum)
	}
}

func TestSamplingSettingsRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sampling.Seeds = "1,2,3"
	cfg.Sampling.OSSSteps = "1, 30, 60"

	set, err := cfg.Sampling.Settings()
	if err != nil {
		t.Fatalf("Settings error: %v", err)
	}

	if set.Scheduler != sampler.SchedulerEuler {
		t.Errorf("Scheduler = %q; want euler", set.Scheduler)
	}

	if len(set.Seeds) != 3 || set.Seeds[2] != 3 {
		t.Errorf("Seeds = %v; want [1 2 3]", set.Seeds)
	}

	if len(set.OSSSteps) != 3 || set.OSSSteps[1] != 30 {
		t.Errorf("OSSSteps = %v; want [1 30 60]", set.OSSSteps)
	}
}

func TestSamplingSettingsRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sampling.Seeds = "1,x"

	if _, err := cfg.Sampling.Settings(); err == nil {
		t.Fatal("bad seeds did not fail")
	}

	cfg = DefaultConfig()
	cfg.Sampling.Scheduler = "midpoint"

	if _, err := cfg.Sampling.Settings(); err == nil {
		t.Fatal("unknown scheduler did not fail")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Sampling.Steps != 60 {
		t.Errorf("Sampling.Steps = %d; want 60", cfg.Sampling.Steps)
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	binder := newFlagBinder(DefaultConfig())
	if err := binder.fs.Parse([]string{"--sampling-steps=27", "--sampling-scheduler=heun"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Sampling.Steps != 27 {
		t.Errorf("Sampling.Steps = %d; want 27", cfg.Sampling.Steps)
	}

	if cfg.Sampling.Scheduler != "heun" {
		t.Errorf("Sampling.Scheduler = %q; want heun", cfg.Sampling.Scheduler)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acestep.yaml")

	body := "sampling:\n  steps: 12\n  guidance_scale: 7.5\npaths:\n  manifest_path: /models/ace/manifest.json\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Sampling.Steps != 12 {
		t.Errorf("Sampling.Steps = %d; want 12", cfg.Sampling.Steps)
	}

	if cfg.Sampling.GuidanceScale != 7.5 {
		t.Errorf("Sampling.GuidanceScale = %v; want 7.5", cfg.Sampling.GuidanceScale)
	}

	if cfg.Paths.ManifestPath != "/models/ace/manifest.json" {
		t.Errorf("ManifestPath = %q", cfg.Paths.ManifestPath)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ACESTEP_SAMPLING_OMEGA_SCALE", "3.5")

	cfg, err := Load(LoadOptions{Cmd: newFlagBinder(DefaultConfig()), Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Sampling.OmegaScale != 3.5 {
		t.Errorf("Sampling.OmegaScale = %v; want 3.5", cfg.Sampling.OmegaScale)
	}
}
