package doctor

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}

	return path
}

func TestRunAllChecksPass(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "manifest.json")
	graph := writeFile(t, dir, "transformer.onnx")

	var buf bytes.Buffer

	res := Run(Config{
		Runtime:        func() (string, error) { return "libonnxruntime.so 1.20.0", nil },
		ManifestPath:   manifest,
		Graphs:         map[string]string{"transformer_velocity": graph},
		RequiredGraphs: []string{"transformer_velocity"},
		OutputDir:      filepath.Join(dir, "out"),
	}, &buf)

	if res.Failed() {
		t.Fatalf("checks failed: %v", res.Failures())
	}

	out := buf.String()
	if strings.Contains(out, FailMark) {
		t.Fatalf("output contains failure marks:\n%s", out)
	}

	// Output dir was created.
	if _, err := os.Stat(filepath.Join(dir, "out")); err != nil {
		t.Fatalf("output dir not created: %v", err)
	}
}

func TestRunRuntimeMissing(t *testing.T) {
	var buf bytes.Buffer

	res := Run(Config{
		Runtime: func() (string, error) { return "", errors.New("no library") },
	}, &buf)

	if !res.Failed() {
		t.Fatal("missing runtime did not fail")
	}

	if !strings.Contains(buf.String(), FailMark) {
		t.Fatalf("output missing fail mark:\n%s", buf.String())
	}
}

func TestRunMissingGraphAndManifest(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer

	res := Run(Config{
		ManifestPath:   filepath.Join(dir, "absent.json"),
		Graphs:         map[string]string{},
		RequiredGraphs: []string{"dcae_decode"},
	}, &buf)

	failures := res.Failures()
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want manifest + graph", failures)
	}

	if !strings.Contains(failures[1], "dcae_decode") {
		t.Fatalf("graph failure = %q", failures[1])
	}
}

func TestAddFailure(t *testing.T) {
	var res Result

	res.AddFailure("external problem")

	if !res.Failed() || res.Failures()[0] != "external problem" {
		t.Fatalf("failures = %v", res.Failures())
	}
}
