package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-ace-step/internal/sampler"
	"github.com/example/go-ace-step/internal/tensor"
)

func TestBuildTask(t *testing.T) {
	source, err := tensor.Zeros([]int64{1, 8, 16, 21})
	if err != nil {
		t.Fatalf("Zeros error: %v", err)
	}

	tests := []struct {
		name    string
		kind    string
		opt     taskOptions
		want    sampler.Kind
		wantErr bool
	}{
		{name: "text2music", kind: "text2music", opt: taskOptions{Duration: 30}, want: sampler.KindTextToMusic},
		{name: "retake", kind: "retake", opt: taskOptions{Duration: 30, Variance: 0.5}, want: sampler.KindRetake},
		{name: "repaint", kind: "repaint", opt: taskOptions{Source: source, End: 2}, want: sampler.KindRepaint},
		{name: "extend", kind: "extend", opt: taskOptions{Source: source, End: 6}, want: sampler.KindExtend},
		{name: "audio2audio", kind: "audio2audio", opt: taskOptions{Source: source, Strength: 0.5}, want: sampler.KindAudioToAudio},
		{name: "repaint without source", kind: "repaint", opt: taskOptions{End: 2}, wantErr: true},
		{name: "extend without source", kind: "extend", opt: taskOptions{End: 2}, wantErr: true},
		{name: "audio2audio without source", kind: "audio2audio", opt: taskOptions{}, wantErr: true},
		{name: "unknown", kind: "remix", opt: taskOptions{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := buildTask(tt.kind, tt.opt)

			if tt.wantErr {
				if err == nil {
					t.Fatal("buildTask did not fail")
				}

				return
			}

			if err != nil {
				t.Fatalf("buildTask error: %v", err)
			}

			if task.Kind() != tt.want {
				t.Fatalf("kind = %q, want %q", task.Kind(), tt.want)
			}
		})
	}
}

func TestBuildHooks(t *testing.T) {
	if got := buildHooks(false, false, 0, 0); len(got) != 0 {
		t.Fatalf("hooks = %d, want 0", len(got))
	}

	if got := buildHooks(true, true, 5, 5); len(got) != 4 {
		t.Fatalf("hooks = %d, want 4", len(got))
	}

	// Normalize hook scales the peak to 1.
	hooks := buildHooks(true, false, 0, 0)

	out := hooks[0]([]float32{0.25, -0.5})
	if out[1] != -1.0 {
		t.Fatalf("normalized peak = %v, want -1", out[1])
	}
}

func TestWriteClips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	var buf bytes.Buffer

	err := writeClips(dir, "clip", [][]byte{[]byte("a"), []byte("b")}, &buf)
	if err != nil {
		t.Fatalf("writeClips error: %v", err)
	}

	for _, name := range []string{"clip_0.wav", "clip_1.wav"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestWriteClipsSingleOmitsIndex(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer

	if err := writeClips(dir, "clip", [][]byte{[]byte("a")}, &buf); err != nil {
		t.Fatalf("writeClips error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "clip.wav")); err != nil {
		t.Fatalf("missing clip.wav: %v", err)
	}
}

func TestWriteClipsEmpty(t *testing.T) {
	var buf bytes.Buffer

	if err := writeClips(t.TempDir(), "clip", nil, &buf); err != nil {
		t.Fatalf("writeClips error: %v", err)
	}

	if buf.Len() == 0 {
		t.Fatal("expected a latents-only notice")
	}
}
