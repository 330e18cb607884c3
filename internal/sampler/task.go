package sampler

import (
	"fmt"

	"github.com/example/go-ace-step/internal/tensor"
)

// Kind names a sampling task variant.
type Kind string

const (
	KindTextToMusic  Kind = "text2music"
	KindRetake       Kind = "retake"
	KindRepaint      Kind = "repaint"
	KindExtend       Kind = "extend"
	KindAudioToAudio Kind = "audio2audio"
	KindEdit         Kind = "edit"
)

// Task is the tagged selector for one sampling run. Each variant carries
// only the fields it needs; Generate dispatches on the concrete type.
// Semantic editing (KindEdit) runs through Edit instead.
type Task interface {
	Kind() Kind
}

// TextToMusic generates a clip from scratch. A non-positive duration asks
// for a random duration between 30 and 240 seconds.
type TextToMusic struct {
	Duration float64
}

func (TextToMusic) Kind() Kind { return KindTextToMusic }

// Retake regenerates a whole clip with noise blended toward a second seeded
// draw. Variance in [0, 1] sets the blend angle: 0 reproduces the base draw,
// 1 uses pure retake noise.
type Retake struct {
	Duration float64
	Variance float64
}

func (Retake) Kind() Kind { return KindRetake }

// Repaint regenerates the [Start, End) span (in seconds) of Source while
// preserving the rest. A span covering the whole clip degenerates to an
// unmasked regenerate.
type Repaint struct {
	Source   *tensor.Tensor
	Start    float64
	End      float64
	Variance float64
}

func (Repaint) Kind() Kind { return KindRepaint }

// Extend grows Source beyond its boundaries: Start < 0 generates new
// material before frame 0 and End past the clip length generates material
// after it. Zero padding on both sides degenerates to an ordinary repaint.
type Extend struct {
	Source   *tensor.Tensor
	Start    float64
	End      float64
	Variance float64
}

func (Extend) Kind() Kind { return KindExtend }

// AudioToAudio generates toward the text conditioning starting from a noised
// copy of Reference. Strength in [0, 1] sets how much of the reference
// survives: the loop enters the schedule at noise fraction 1-Strength.
type AudioToAudio struct {
	Reference *tensor.Tensor
	Strength  float64
}

func (AudioToAudio) Kind() Kind { return KindAudioToAudio }

// Settings is the fully-enumerated sampling configuration, validated once at
// call entry.
type Settings struct {
	Steps     int
	Scheduler SchedulerKind

	GuidanceMode          GuidanceMode
	GuidanceScale         float64
	MinGuidanceScale      float64
	GuidanceInterval      float64
	GuidanceIntervalDecay float64
	GuidanceScaleText     float64
	GuidanceScaleLyric    float64

	OmegaScale  float64
	ZeroSteps   int
	UseZeroInit bool

	UseERGLyric     bool
	UseERGDiffusion bool

	// OSSSteps picks an explicit 1-based subset of the full schedule; when
	// set, the schedule is rebuilt through a sigma remap over exactly these
	// steps.
	OSSSteps []int

	Seeds       []int64
	RetakeSeeds []int64

	Momentum float64
	APG      APGParams
}

// DefaultSettings mirrors the released checkpoint defaults.
func DefaultSettings() Settings {
	return Settings{
		Steps:                 60,
		Scheduler:             SchedulerEuler,
		GuidanceMode:          GuidanceAPG,
		GuidanceScale:         15.0,
		MinGuidanceScale:      3.0,
		GuidanceInterval:      0.5,
		GuidanceIntervalDecay: 0.0,
		OmegaScale:            10.0,
		ZeroSteps:             1,
		UseZeroInit:           true,
		Momentum:              -0.75,
		APG:                   APGParams{Eta: 0.0, NormThreshold: 2.5},
	}
}

// Validate rejects inconsistent settings before any tensor work starts.
func (s Settings) Validate() error {
	if s.Steps < 1 {
		return fmt.Errorf("%w: steps must be >= 1, got %d", ErrConfiguration, s.Steps)
	}

	switch s.Scheduler {
	case SchedulerEuler, SchedulerHeun:
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrConfiguration, s.Scheduler)
	}

	switch s.GuidanceMode {
	case GuidanceCFG, GuidanceAPG, GuidanceZeroStar:
	default:
		return fmt.Errorf("%w: unknown guidance mode %q", ErrConfiguration, s.GuidanceMode)
	}

	if s.GuidanceScale < 0 {
		return fmt.Errorf("%w: guidance scale must be >= 0", ErrConfiguration)
	}

	if s.GuidanceInterval <= 0 || s.GuidanceInterval > 1 {
		return fmt.Errorf("%w: guidance interval must be in (0, 1], got %v", ErrConfiguration, s.GuidanceInterval)
	}

	if s.GuidanceIntervalDecay < 0 {
		return fmt.Errorf("%w: guidance interval decay must be >= 0", ErrConfiguration)
	}

	for i, step := range s.OSSSteps {
		if step < 1 {
			return fmt.Errorf("%w: oss step %d must be >= 1, got %d", ErrConfiguration, i, step)
		}
	}

	return nil
}

func validateTask(task Task, batch int64) error {
	switch t := task.(type) {
	case TextToMusic:
		return nil
	case Retake:
		if t.Duration <= 0 {
			return fmt.Errorf("%w: retake requires a positive duration", ErrConfiguration)
		}

		return checkVariance(t.Variance)
	case Repaint:
		if err := checkSourceLatent(t.Source, batch, "repaint"); err != nil {
			return err
		}

		if t.End <= t.Start {
			return fmt.Errorf("%w: repaint span end %v must be after start %v", ErrConfiguration, t.End, t.Start)
		}

		return checkVariance(t.Variance)
	case Extend:
		if err := checkSourceLatent(t.Source, batch, "extend"); err != nil {
			return err
		}

		if t.End <= t.Start {
			return fmt.Errorf("%w: extend span end %v must be after start %v", ErrConfiguration, t.End, t.Start)
		}

		return checkVariance(t.Variance)
	case AudioToAudio:
		if err := checkSourceLatent(t.Reference, batch, "audio2audio"); err != nil {
			return err
		}

		if t.Strength < 0 || t.Strength > 1 {
			return fmt.Errorf("%w: reference strength must be in [0, 1], got %v", ErrConfiguration, t.Strength)
		}

		return nil
	default:
		return fmt.Errorf("%w: unsupported task %T", ErrConfiguration, task)
	}
}

func checkVariance(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: variance must be in [0, 1], got %v", ErrConfiguration, v)
	}

	return nil
}

func checkSourceLatent(t *tensor.Tensor, batch int64, task string) error {
	if t == nil {
		return fmt.Errorf("%w: %s requires a source latent", ErrConfiguration, task)
	}

	shape := t.Shape()
	if len(shape) != 4 || shape[1] != LatentChannels || shape[2] != LatentFeatures {
		return fmt.Errorf("%w: %s latent must be [batch, %d, %d, frames], got %v", ErrShapeMismatch, task, LatentChannels, LatentFeatures, shape)
	}

	if shape[0] != batch {
		return fmt.Errorf("%w: %s latent batch %d does not match conditioning batch %d", ErrShapeMismatch, task, shape[0], batch)
	}

	if shape[3] < 1 {
		return fmt.Errorf("%w: %s latent has no frames", ErrShapeMismatch, task)
	}

	return nil
}
