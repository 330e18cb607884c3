package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-ace-step/internal/sampler"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Sampling SamplingConfig `mapstructure:"sampling"`
}

type PathsConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
	OutputDir    string `mapstructure:"output_dir"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

// SamplingConfig mirrors the sampler settings in flag/file form. Seed and
// step lists stay strings here and are parsed in Settings.
type SamplingConfig struct {
	Steps                 int     `mapstructure:"steps"`
	Scheduler             string  `mapstructure:"scheduler"`
	GuidanceMode          string  `mapstructure:"guidance_mode"`
	GuidanceScale         float64 `mapstructure:"guidance_scale"`
	MinGuidanceScale      float64 `mapstructure:"min_guidance_scale"`
	GuidanceInterval      float64 `mapstructure:"guidance_interval"`
	GuidanceIntervalDecay float64 `mapstructure:"guidance_interval_decay"`
	GuidanceScaleText     float64 `mapstructure:"guidance_scale_text"`
	GuidanceScaleLyric    float64 `mapstructure:"guidance_scale_lyric"`
	OmegaScale            float64 `mapstructure:"omega_scale"`
	ZeroSteps             int     `mapstructure:"zero_steps"`
	UseZeroInit           bool    `mapstructure:"use_zero_init"`
	UseERGLyric           bool    `mapstructure:"use_erg_lyric"`
	UseERGDiffusion       bool    `mapstructure:"use_erg_diffusion"`
	OSSSteps              string  `mapstructure:"oss_steps"`
	Seeds                 string  `mapstructure:"seeds"`
	RetakeSeeds           string  `mapstructure:"retake_seeds"`
	Momentum              float64 `mapstructure:"momentum"`
	APGEta                float64 `mapstructure:"apg_eta"`
	APGNormThreshold      float64 `mapstructure:"apg_norm_threshold"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	s := sampler.DefaultSettings()

	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ManifestPath: "models/manifest.json",
			OutputDir:    "outputs",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Sampling: SamplingConfig{
			Steps:                 s.Steps,
			Scheduler:             string(s.Scheduler),
			GuidanceMode:          string(s.GuidanceMode),
			GuidanceScale:         s.GuidanceScale,
			MinGuidanceScale:      s.MinGuidanceScale,
			GuidanceInterval:      s.GuidanceInterval,
			GuidanceIntervalDecay: s.GuidanceIntervalDecay,
			GuidanceScaleText:     s.GuidanceScaleText,
			GuidanceScaleLyric:    s.GuidanceScaleLyric,
			OmegaScale:            s.OmegaScale,
			ZeroSteps:             s.ZeroSteps,
			UseZeroInit:           s.UseZeroInit,
			UseERGLyric:           s.UseERGLyric,
			UseERGDiffusion:       s.UseERGDiffusion,
			Momentum:              s.Momentum,
			APGEta:                s.APG.Eta,
			APGNormThreshold:      s.APG.NormThreshold,
		},
	}
}

// Settings converts the raw sampling section into validated sampler
// settings.
func (s SamplingConfig) Settings() (sampler.Settings, error) {
	seeds, err := sampler.ParseSeeds(s.Seeds)
	if err != nil {
		return sampler.Settings{}, fmt.Errorf("seeds: %w", err)
	}

	retakeSeeds, err := sampler.ParseSeeds(s.RetakeSeeds)
	if err != nil {
		return sampler.Settings{}, fmt.Errorf("retake seeds: %w", err)
	}

	ossSteps, err := parseIntList(s.OSSSteps)
	if err != nil {
		return sampler.Settings{}, fmt.Errorf("oss steps: %w", err)
	}

	set := sampler.Settings{
		Steps:                 s.Steps,
		Scheduler:             sampler.SchedulerKind(s.Scheduler),
		GuidanceMode:          sampler.GuidanceMode(s.GuidanceMode),
		GuidanceScale:         s.GuidanceScale,
		MinGuidanceScale:      s.MinGuidanceScale,
		GuidanceInterval:      s.GuidanceInterval,
		GuidanceIntervalDecay: s.GuidanceIntervalDecay,
		GuidanceScaleText:     s.GuidanceScaleText,
		GuidanceScaleLyric:    s.GuidanceScaleLyric,
		OmegaScale:            s.OmegaScale,
		ZeroSteps:             s.ZeroSteps,
		UseZeroInit:           s.UseZeroInit,
		UseERGLyric:           s.UseERGLyric,
		UseERGDiffusion:       s.UseERGDiffusion,
		OSSSteps:              ossSteps,
		Seeds:                 seeds,
		RetakeSeeds:           retakeSeeds,
		Momentum:              s.Momentum,
		APG:                   sampler.APGParams{Eta: s.APGEta, NormThreshold: s.APGNormThreshold},
	}

	if err := set.Validate(); err != nil {
		return sampler.Settings{}, err
	}

	return set, nil
}

func parseIntList(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	parts := strings.Split(spec, ",")
	out := make([]int, 0, len(parts))

	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", p)
		}

		out = append(out, v)
	}

	return out, nil
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-manifest-path", defaults.Paths.ManifestPath, "Path to ONNX graph manifest")
	fs.String("paths-output-dir", defaults.Paths.OutputDir, "Directory for generated audio")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Int("sampling-steps", defaults.Sampling.Steps, "Diffusion step count")
	fs.String("sampling-scheduler", defaults.Sampling.Scheduler, "Schedule type (euler|heun)")
	fs.String("sampling-guidance-mode", defaults.Sampling.GuidanceMode, "Guidance fusion (cfg|apg|cfg_star)")
	fs.Float64("sampling-guidance-scale", defaults.Sampling.GuidanceScale, "Guidance scale")
	fs.Float64("sampling-min-guidance-scale", defaults.Sampling.MinGuidanceScale, "Guidance scale floor for interval decay")
	fs.Float64("sampling-guidance-interval", defaults.Sampling.GuidanceInterval, "Fraction of steps with guidance active, centered")
	fs.Float64("sampling-guidance-interval-decay", defaults.Sampling.GuidanceIntervalDecay, "Linear guidance decay strength inside the interval")
	fs.Float64("sampling-guidance-scale-text", defaults.Sampling.GuidanceScaleText, "Text scale for double-condition guidance")
	fs.Float64("sampling-guidance-scale-lyric", defaults.Sampling.GuidanceScaleLyric, "Lyric scale for double-condition guidance")
	fs.Float64("sampling-omega-scale", defaults.Sampling.OmegaScale, "Per-step update gain")
	fs.Int("sampling-zero-steps", defaults.Sampling.ZeroSteps, "Last zero-initialized step for cfg_star")
	fs.Bool("sampling-use-zero-init", defaults.Sampling.UseZeroInit, "Zero the first cfg_star estimates")
	fs.Bool("sampling-use-erg-lyric", defaults.Sampling.UseERGLyric, "Entropy-reduced lyric null conditioning")
	fs.Bool("sampling-use-erg-diffusion", defaults.Sampling.UseERGDiffusion, "Entropy-reduced diffusion uncond pass")
	fs.String("sampling-oss-steps", defaults.Sampling.OSSSteps, "Explicit comma-separated step subset")
	fs.String("sampling-seeds", defaults.Sampling.Seeds, "Comma-separated seeds, one per batch row")
	fs.String("sampling-retake-seeds", defaults.Sampling.RetakeSeeds, "Comma-separated retake seeds")
	fs.Float64("sampling-momentum", defaults.Sampling.Momentum, "APG momentum coefficient")
	fs.Float64("sampling-apg-eta", defaults.Sampling.APGEta, "APG parallel component weight")
	fs.Float64("sampling-apg-norm-threshold", defaults.Sampling.APGNormThreshold, "APG guidance direction norm cap (0 disables)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("ACESTEP")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "ACESTEP_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("acestep")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.manifest_path", c.Paths.ManifestPath)
	v.SetDefault("paths.output_dir", c.Paths.OutputDir)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("sampling.steps", c.Sampling.Steps)
	v.SetDefault("sampling.scheduler", c.Sampling.Scheduler)
	v.SetDefault("sampling.guidance_mode", c.Sampling.GuidanceMode)
	v.SetDefault("sampling.guidance_scale", c.Sampling.GuidanceScale)
	v.SetDefault("sampling.min_guidance_scale", c.Sampling.MinGuidanceScale)
	v.SetDefault("sampling.guidance_interval", c.Sampling.GuidanceInterval)
	v.SetDefault("sampling.guidance_interval_decay", c.Sampling.GuidanceIntervalDecay)
	v.SetDefault("sampling.guidance_scale_text", c.Sampling.GuidanceScaleText)
	v.SetDefault("sampling.guidance_scale_lyric", c.Sampling.GuidanceScaleLyric)
	v.SetDefault("sampling.omega_scale", c.Sampling.OmegaScale)
	v.SetDefault("sampling.zero_steps", c.Sampling.ZeroSteps)
	v.SetDefault("sampling.use_zero_init", c.Sampling.UseZeroInit)
	v.SetDefault("sampling.use_erg_lyric", c.Sampling.UseERGLyric)
	v.SetDefault("sampling.use_erg_diffusion", c.Sampling.UseERGDiffusion)
	v.SetDefault("sampling.oss_steps", c.Sampling.OSSSteps)
	v.SetDefault("sampling.seeds", c.Sampling.Seeds)
	v.SetDefault("sampling.retake_seeds", c.Sampling.RetakeSeeds)
	v.SetDefault("sampling.momentum", c.Sampling.Momentum)
	v.SetDefault("sampling.apg_eta", c.Sampling.APGEta)
	v.SetDefault("sampling.apg_norm_threshold", c.Sampling.APGNormThreshold)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("paths.manifest_path", "paths-manifest-path")
	v.RegisterAlias("paths.output_dir", "paths-output-dir")
	v.RegisterAlias("runtime.threads", "runtime-threads")
	v.RegisterAlias("runtime.inter_op_threads", "runtime-inter-op-threads")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("runtime.ort_library_path", "ort-lib")
	v.RegisterAlias("runtime.ort_version", "runtime-ort-version")
	v.RegisterAlias("sampling.steps", "sampling-steps")
	v.RegisterAlias("sampling.scheduler", "sampling-scheduler")
	v.RegisterAlias("sampling.guidance_mode", "sampling-guidance-mode")
	v.RegisterAlias("sampling.guidance_scale", "sampling-guidance-scale")
	v.RegisterAlias("sampling.min_guidance_scale", "sampling-min-guidance-scale")
	v.RegisterAlias("sampling.guidance_interval", "sampling-guidance-interval")
	v.RegisterAlias("sampling.guidance_interval_decay", "sampling-guidance-interval-decay")
	v.RegisterAlias("sampling.guidance_scale_text", "sampling-guidance-scale-text")
	v.RegisterAlias("sampling.guidance_scale_lyric", "sampling-guidance-scale-lyric")
	v.RegisterAlias("sampling.omega_scale", "sampling-omega-scale")
	v.RegisterAlias("sampling.zero_steps", "sampling-zero-steps")
	v.RegisterAlias("sampling.use_zero_init", "sampling-use-zero-init")
	v.RegisterAlias("sampling.use_erg_lyric", "sampling-use-erg-lyric")
	v.RegisterAlias("sampling.use_erg_diffusion", "sampling-use-erg-diffusion")
	v.RegisterAlias("sampling.oss_steps", "sampling-oss-steps")
	v.RegisterAlias("sampling.seeds", "sampling-seeds")
	v.RegisterAlias("sampling.retake_seeds", "sampling-retake-seeds")
	v.RegisterAlias("sampling.momentum", "sampling-momentum")
	v.RegisterAlias("sampling.apg_eta", "sampling-apg-eta")
	v.RegisterAlias("sampling.apg_norm_threshold", "sampling-apg-norm-threshold")
}
