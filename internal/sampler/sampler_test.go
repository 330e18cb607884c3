package sampler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/example/go-ace-step/internal/tensor"
)

// stubPredictor echoes the conditioning back from Encode and answers
// Velocity with a configurable function, defaulting to zero velocity.
type stubPredictor struct {
	encodeCalls   int
	velocityCalls int
	velocityFn    func(req VelocityRequest) (*tensor.Tensor, error)
}

func (p *stubPredictor) Encode(_ context.Context, req EncodeRequest) (Encoded, error) {
	p.encodeCalls++
	return Encoded{Hidden: req.Cond.TextHidden, Mask: req.Cond.TextMask}, nil
}

func (p *stubPredictor) Velocity(_ context.Context, req VelocityRequest) (*tensor.Tensor, error) {
	p.velocityCalls++

	if p.velocityFn != nil {
		return p.velocityFn(req)
	}

	return tensor.Zeros(req.Latent.Shape())
}

// fakeSchedule integrates plain Euler over evenly spaced noise fractions.
type fakeSchedule struct {
	timesteps []float64
	sigmas    []float64
	cursor    int
}

func fakeBuilder(spec ScheduleSpec) (Schedule, error) {
	sigmas := append([]float64(nil), spec.Sigmas...)
	if len(sigmas) == 0 {
		for i := range spec.Steps {
			sigmas = append(sigmas, float64(spec.Steps-i)/float64(spec.Steps))
		}
	}

	ts := make([]float64, len(sigmas))
	for i, s := range sigmas {
		ts[i] = s * 1000
	}

	return &fakeSchedule{timesteps: ts, sigmas: append(sigmas, 0)}, nil
}

func (f *fakeSchedule) Timesteps() []float64 { return f.timesteps }

func (f *fakeSchedule) Sigma(i int) float64 { return f.sigmas[i] }

func (f *fakeSchedule) Step(sample, velocity *tensor.Tensor, timestep, _ float64) (*tensor.Tensor, error) {
	for i := f.cursor; i < len(f.timesteps); i++ {
		if math.Abs(f.timesteps[i]-timestep) < 1e-6 {
			f.cursor = i + 1
			return tensor.AddScaled(sample, velocity, f.sigmas[i+1]-f.sigmas[i])
		}
	}

	return nil, errors.New("fake schedule: timestep not found")
}

func makeCond(t *testing.T, batch int64, fill float32) Conditioning {
	t.Helper()

	hidden, err := tensor.Full([]int64{batch, 2, 4}, fill)
	if err != nil {
		t.Fatalf("Full error: %v", err)
	}

	mask, err := tensor.Full([]int64{batch, 2}, 1)
	if err != nil {
		t.Fatalf("Full error: %v", err)
	}

	speaker, err := tensor.Zeros([]int64{batch, SpeakerEmbedDim})
	if err != nil {
		t.Fatalf("Zeros error: %v", err)
	}

	tokens := make([][]int64, batch)
	lyricMask := make([][]int64, batch)

	for i := range tokens {
		tokens[i] = []int64{5, 6, 7}
		lyricMask[i] = []int64{1, 1, 1}
	}

	return Conditioning{
		TextHidden:  hidden,
		TextMask:    mask,
		Speaker:     speaker,
		LyricTokens: tokens,
		LyricMask:   lyricMask,
	}
}

func latentFrames(t *testing.T, batch, frames int64) *tensor.Tensor {
	t.Helper()

	data := make([]float32, batch*LatentChannels*LatentFeatures*frames)
	for i := range data {
		data[i] = float32(int64(i) % frames)
	}

	out, err := tensor.New(data, []int64{batch, LatentChannels, LatentFeatures, frames})
	if err != nil {
		t.Fatalf("tensor.New error: %v", err)
	}

	return out
}

func quickSettings(steps int) Settings {
	set := DefaultSettings()
	set.Steps = steps
	set.GuidanceScale = 1 // guidance disabled
	set.Seeds = []int64{42}
	set.RetakeSeeds = []int64{7}

	return set
}

func TestNewValidations(t *testing.T) {
	if _, err := New(nil, fakeBuilder); err == nil {
		t.Fatal("nil predictor did not fail")
	}

	if _, err := New(&stubPredictor{}, nil); err == nil {
		t.Fatal("nil schedule builder did not fail")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	cond := makeCond(t, 1, 1)
	set := quickSettings(4)

	a, err := s.Generate(context.Background(), TextToMusic{Duration: 10}, cond, set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	b, err := s.Generate(context.Background(), TextToMusic{Duration: 10}, cond, set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	if got, _ := a.Latents.Dim(-1); got != FrameCount(10) {
		t.Fatalf("frames = %d, want %d", got, FrameCount(10))
	}

	wantF32(t, a.Latents, b.Latents.RawData(), 0)

	if a.Seeds[0] != 42 || a.RetakeSeeds[0] != 7 {
		t.Fatalf("reported seeds = %v/%v, want 42/7", a.Seeds, a.RetakeSeeds)
	}
}

func TestGenerateVelocityCallCounts(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Settings)
		want     int
		wantEnc  int
	}{
		{
			name:    "guidance disabled",
			mutate:  func(s *Settings) { s.GuidanceScale = 1 },
			want:    4,
			wantEnc: 2,
		},
		{
			name: "full interval",
			mutate: func(s *Settings) {
				s.GuidanceScale = 15
				s.GuidanceInterval = 1
			},
			want:    8,
			wantEnc: 2,
		},
		{
			name: "half interval",
			mutate: func(s *Settings) {
				s.GuidanceScale = 15
				s.GuidanceInterval = 0.5
			},
			want:    6,
			wantEnc: 2,
		},
		{
			name: "double condition",
			mutate: func(s *Settings) {
				s.GuidanceScale = 15
				s.GuidanceInterval = 1
				s.GuidanceScaleText = 4
				s.GuidanceScaleLyric = 2
			},
			want:    12,
			wantEnc: 3,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubPredictor{}

			s, err := New(stub, fakeBuilder)
			if err != nil {
				t.Fatalf("New error: %v", err)
			}

			set := quickSettings(4)
			tc.mutate(&set)

			if _, err := s.Generate(context.Background(), TextToMusic{Duration: 10}, makeCond(t, 1, 1), set); err != nil {
				t.Fatalf("Generate error: %v", err)
			}

			if stub.velocityCalls != tc.want {
				t.Fatalf("velocity calls = %d, want %d", stub.velocityCalls, tc.want)
			}

			if stub.encodeCalls != tc.wantEnc {
				t.Fatalf("encode calls = %d, want %d", stub.encodeCalls, tc.wantEnc)
			}
		})
	}
}

func TestRetakeZeroVarianceMatchesBaseDraw(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	cond := makeCond(t, 1, 1)
	set := quickSettings(4)

	base, err := s.Generate(context.Background(), TextToMusic{Duration: 10}, cond, set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	retake, err := s.Generate(context.Background(), Retake{Duration: 10, Variance: 0}, cond, set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	wantF32(t, retake.Latents, base.Latents.RawData(), 0)
}

func TestRetakeFullVarianceUsesRetakeNoise(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	set := quickSettings(4)

	got, err := s.Generate(context.Background(), Retake{Duration: 10, Variance: 1}, makeCond(t, 1, 1), set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	want, err := tensor.RandNormal(got.Latents.Shape(), Generators([]int64{7}))
	if err != nil {
		t.Fatalf("RandNormal error: %v", err)
	}

	wantF32(t, got.Latents, want.RawData(), 1e-5)
}

func TestRepaintFullSpanEqualsRetake(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	cond := makeCond(t, 1, 1)
	set := quickSettings(4)
	source := latentFrames(t, 1, FrameCount(10))

	repaint, err := s.Generate(context.Background(), Repaint{Source: source, Start: 0, End: 10, Variance: 0.5}, cond, set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	retake, err := s.Generate(context.Background(), Retake{Duration: 10, Variance: 0.5}, cond, set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	wantF32(t, repaint.Latents, retake.Latents.RawData(), 0)
}

func TestRepaintPreservesOutsideSpan(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	frames := FrameCount(10)
	source := latentFrames(t, 1, frames)
	set := quickSettings(4)

	got, err := s.Generate(context.Background(), Repaint{Source: source, Start: 2, End: 4, Variance: 1}, makeCond(t, 1, 1), set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	start := FrameCount(2)
	end := FrameCount(4)

	out := got.Latents.RawData()
	src := source.RawData()

	for row := int64(0); row < LatentChannels*LatentFeatures; row++ {
		base := row * frames
		for f := int64(0); f < frames; f++ {
			inSpan := f >= start && f < end
			if !inSpan && out[base+f] != src[base+f] {
				t.Fatalf("frame %d row %d = %v, want preserved %v", f, row, out[base+f], src[base+f])
			}
		}
	}
}

func TestExtendRightGrowsClip(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	frames := FrameCount(10)
	source := latentFrames(t, 1, frames)
	set := quickSettings(4)

	got, err := s.Generate(context.Background(), Extend{Source: source, Start: 0, End: 12, Variance: 1}, makeCond(t, 1, 1), set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	wantFrames := FrameCount(12)
	if n, _ := got.Latents.Dim(-1); n != wantFrames {
		t.Fatalf("frames = %d, want %d", n, wantFrames)
	}

	out := got.Latents.RawData()
	src := source.RawData()

	for row := int64(0); row < LatentChannels*LatentFeatures; row++ {
		for f := int64(0); f < frames; f++ {
			if out[row*wantFrames+f] != src[row*frames+f] {
				t.Fatalf("frame %d row %d not preserved", f, row)
			}
		}
	}
}

func TestExtendLeftOverflowReattachesOnTimeAxis(t *testing.T) {
	saved := MaxFrames
	MaxFrames = 150

	defer func() { MaxFrames = saved }()

	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	frames := FrameCount(10)
	source := latentFrames(t, 1, frames)
	set := quickSettings(4)

	got, err := s.Generate(context.Background(), Extend{Source: source, Start: -10, End: 10, Variance: 1}, makeCond(t, 1, 1), set)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	// 107 source frames padded by 107 on the left, capped at 150 and the 64
	// trimmed frames reattached after the loop.
	wantShape := []int64{1, LatentChannels, LatentFeatures, 2 * frames}

	shape := got.Latents.Shape()
	for i := range wantShape {
		if shape[i] != wantShape[i] {
			t.Fatalf("shape = %v, want %v", shape, wantShape)
		}
	}

	// The reattached tail must be the source's own tail, frame for frame.
	trimmed := 2*frames - 150
	out := got.Latents.RawData()
	src := source.RawData()

	for row := int64(0); row < LatentChannels*LatentFeatures; row++ {
		for k := int64(0); k < trimmed; k++ {
			gotV := out[row*2*frames+150+k]
			wantV := src[row*frames+frames-trimmed+k]

			if gotV != wantV {
				t.Fatalf("reattached frame %d row %d = %v, want %v", k, row, gotV, wantV)
			}
		}
	}
}

func TestAudioToAudioSkipsHighNoiseSteps(t *testing.T) {
	stub := &stubPredictor{}

	s, err := New(stub, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	frames := FrameCount(10)
	ref := latentFrames(t, 1, frames)
	set := quickSettings(4)

	// Timesteps 1000, 750, 500, 250; strength 0.5 enters at 500.
	if _, err := s.Generate(context.Background(), AudioToAudio{Reference: ref, Strength: 0.5}, makeCond(t, 1, 1), set); err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	if stub.velocityCalls != 2 {
		t.Fatalf("velocity calls = %d, want 2", stub.velocityCalls)
	}
}

func TestGenerateContextCancelled(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Generate(ctx, TextToMusic{Duration: 10}, makeCond(t, 1, 1), quickSettings(4)); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestBuildScheduleRemap(t *testing.T) {
	s, err := New(&stubPredictor{}, fakeBuilder)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	set := quickSettings(4)
	set.OSSSteps = []int{1, 2, 4}

	sched, steps, err := s.buildSchedule(set)
	if err != nil {
		t.Fatalf("buildSchedule error: %v", err)
	}

	if steps != 3 {
		t.Fatalf("steps = %d, want 3", steps)
	}

	want := []float64{1000, 750, 250}

	ts := sched.Timesteps()
	for i, w := range want {
		if math.Abs(ts[i]-w) > 1e-9 {
			t.Fatalf("timestep %d = %v, want %v", i, ts[i], w)
		}
	}

	set.OSSSteps = []int{1, 9}
	if _, _, err := s.buildSchedule(set); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("oversized oss step error = %v, want ErrConfiguration", err)
	}
}

func TestWorkingFramesRandomDuration(t *testing.T) {
	for range 8 {
		frames, err := workingFrames(TextToMusic{})
		if err != nil {
			t.Fatalf("workingFrames error: %v", err)
		}

		if frames < FrameCount(30) || frames > FrameCount(240) {
			t.Fatalf("random duration frames = %d outside [%d, %d]", frames, FrameCount(30), FrameCount(240))
		}
	}
}

func TestValidateTaskRejectsBadInput(t *testing.T) {
	source := latentFrames(t, 1, 16)

	tests := []struct {
		name string
		task Task
	}{
		{"retake without duration", Retake{Variance: 0.5}},
		{"retake variance out of range", Retake{Duration: 10, Variance: 1.5}},
		{"repaint without source", Repaint{Start: 0, End: 5, Variance: 0.5}},
		{"repaint empty span", Repaint{Source: source, Start: 5, End: 5, Variance: 0.5}},
		{"audio2audio strength out of range", AudioToAudio{Reference: source, Strength: 2}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateTask(tc.task, 1); err == nil {
				t.Fatal("invalid task did not fail")
			}
		})
	}

	batchSource := latentFrames(t, 2, 16)
	if err := validateTask(Repaint{Source: batchSource, Start: 0, End: 1, Variance: 0.5}, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("batch mismatch error = %v, want ErrShapeMismatch", err)
	}
}
