package schedule

import (
	"fmt"

	"github.com/example/go-ace-step/internal/sampler"
)

// Build satisfies sampler.ScheduleBuilder. Explicit sigmas take precedence
// over the step count.
func Build(spec sampler.ScheduleSpec) (sampler.Schedule, error) {
	switch spec.Kind {
	case sampler.SchedulerEuler:
		if len(spec.Sigmas) > 0 {
			return NewEulerWithSigmas(spec.Sigmas)
		}

		return NewEuler(spec.Steps)
	case sampler.SchedulerHeun:
		if len(spec.Sigmas) > 0 {
			return NewHeunWithSigmas(spec.Sigmas)
		}

		return NewHeun(spec.Steps)
	default:
		return nil, fmt.Errorf("schedule: unknown scheduler kind %q", spec.Kind)
	}
}
