package sampler

import (
	"context"
	"testing"

	"github.com/example/go-ace-step/internal/tensor"
)

// condVelocityStub answers Velocity with a constant read from the first
// element of the encoded conditioning, so each conditioning bundle produces
// a distinguishable velocity field.
func condVelocityStub() *stubPredictor {
	return &stubPredictor{
		velocityFn: func(req VelocityRequest) (*tensor.Tensor, error) {
			return tensor.Full(req.Latent.Shape(), req.Cond.Hidden.RawData()[0])
		},
	}
}

func editParams(steps int) EditParams {
	p := DefaultEditParams()
	p.Steps = steps
	p.GuidanceScale = 1 // guidance disabled
	p.Seeds = []int64{42}

	return p
}

func TestEditParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EditParams)
	}{
		{"zero steps", func(p *EditParams) { p.Steps = 0 }},
		{"inverted region", func(p *EditParams) { p.NMin = 0.8; p.NMax = 0.2 }},
		{"region above one", func(p *EditParams) { p.NMax = 1.5 }},
		{"zero averaging", func(p *EditParams) { p.NAvg = 0 }},
		{"unsupported guidance", func(p *EditParams) { p.GuidanceMode = GuidanceZeroStar }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultEditParams()
			tc.mutate(&p)

			if err := p.validate(); err == nil {
				t.Fatal("invalid params did not fail")
			}
		})
	}
}

func TestEditSingleStepDelta(t *testing.T) {
	s, err := New(condVelocityStub(), fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	// Source conditioning encodes to velocity 2, target to velocity 5. One
	// step from noise fraction 1 to 0 integrates the delta -1 * (5 - 2).
	srcCond := makeCond(t, 1, 2)
	tgtCond := makeCond(t, 1, 5)
	source := latentFrames(t, 1, 16)

	got, err := s.Edit(context.Background(), source, srcCond, tgtCond, editParams(1))
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}

	want := make([]float32, len(source.RawData()))
	for i, v := range source.RawData() {
		want[i] = v - 3
	}

	wantF32(t, got.Latents, want, 1e-5)
}

func TestEditDeltaIsAveragedOverDraws(t *testing.T) {
	// With conditioning-constant velocities the delta is identical across
	// draws, so any NAvg must give the single-draw result.
	for _, nAvg := range []int{1, 4} {
		s, err := New(condVelocityStub(), fakeBuilder)
		if err != nil {
			t.Fatalf("New error: %v", err)
		}

		p := editParams(2)
		p.NAvg = nAvg

		source := latentFrames(t, 1, 16)

		got, err := s.Edit(context.Background(), source, makeCond(t, 1, 2), makeCond(t, 1, 5), p)
		if err != nil {
			t.Fatalf("Edit error: %v", err)
		}

		// Two steps each integrate half of the total -1 * (5 - 2).
		want := make([]float32, len(source.RawData()))
		for i, v := range source.RawData() {
			want[i] = v - 3
		}

		wantF32(t, got.Latents, want, 1e-4)
	}
}

func TestEditTailRunsPlainSampling(t *testing.T) {
	s, err := New(condVelocityStub(), fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := editParams(1)
	p.NMax = 0 // no delta region, the whole run is the target tail

	source := latentFrames(t, 1, 16)

	got, err := s.Edit(context.Background(), source, makeCond(t, 1, 2), makeCond(t, 1, 5), p)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}

	// The tail renoises the source fully (sigma 1), then one Euler step with
	// the target velocity 5 over dt = -1.
	noise, err := tensor.RandNormal(source.Shape(), Generators([]int64{42}))
	if err != nil {
		t.Fatalf("RandNormal error: %v", err)
	}

	want := make([]float32, len(noise.RawData()))
	for i, v := range noise.RawData() {
		want[i] = v - 5
	}

	wantF32(t, got.Latents, want, 1e-5)
}

func TestEditGuidedCallCounts(t *testing.T) {
	stub := condVelocityStub()

	s, err := New(stub, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	p := editParams(2)
	p.GuidanceScale = 7.5

	source := latentFrames(t, 1, 16)

	if _, err := s.Edit(context.Background(), source, makeCond(t, 1, 2), makeCond(t, 1, 5), p); err != nil {
		t.Fatalf("Edit error: %v", err)
	}

	// Two delta steps, each with guided source and target trajectories.
	if stub.velocityCalls != 8 {
		t.Fatalf("velocity calls = %d, want 8", stub.velocityCalls)
	}

	if stub.encodeCalls != 4 {
		t.Fatalf("encode calls = %d, want 4", stub.encodeCalls)
	}
}

func TestEditBatchMismatch(t *testing.T) {
	s, err := New(condVelocityStub(), fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	source := latentFrames(t, 1, 16)

	if _, err := s.Edit(context.Background(), source, makeCond(t, 1, 2), makeCond(t, 2, 5), editParams(1)); err == nil {
		t.Fatal("batch mismatch did not fail")
	}
}
