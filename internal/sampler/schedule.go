package sampler

import "github.com/example/go-ace-step/internal/tensor"

// SchedulerKind selects the flow-matching integrator variant.
type SchedulerKind string

const (
	SchedulerEuler SchedulerKind = "euler"
	SchedulerHeun  SchedulerKind = "heun"
)

// Schedule is the contract the sampler requires from a noise-schedule
// provider. The sampler never reimplements schedule math; it only consumes
// this interface, plus manual Euler interpolation on the edit paths where it
// needs direct control of the update.
type Schedule interface {
	// Timesteps returns the monotonically decreasing timestep sequence in
	// [0, 1000]. Its length is the number of loop iterations and may differ
	// from the requested step count (explicit sigma remaps, Heun pairing).
	Timesteps() []float64

	// Sigma returns the noise level associated with schedule index i,
	// usable for interpolating between clean and noisy latents.
	Sigma(i int) float64

	// Step advances sample by one integration step using the velocity
	// estimate at the given timestep. Omega is a step-size control. The
	// call is stateful and must be made at most once per loop iteration,
	// in schedule order.
	Step(sample, velocity *tensor.Tensor, timestep, omega float64) (*tensor.Tensor, error)
}

// ScheduleSpec describes the schedule a sampling call needs. When Sigmas is
// non-empty it is an explicit remap and Steps is ignored.
type ScheduleSpec struct {
	Kind   SchedulerKind
	Steps  int
	Sigmas []float64
}

// ScheduleBuilder constructs a fresh schedule for one sampling call.
// Schedules are stateful and must never be shared between calls.
type ScheduleBuilder func(spec ScheduleSpec) (Schedule, error)
