// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
package testutil

import (
	"os"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// ACESTEP_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "ACESTEP_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			_, err := os.Stat(p)
			if err == nil {
				return // found
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}
	// Fall back to common system locations.
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return // found
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or ACESTEP_ORT_LIB")
}

// RequireModelManifest skips the test if the graph manifest given by the
// ACESTEP_MANIFEST env var is absent.
func RequireModelManifest(tb testing.TB) string {
	tb.Helper()

	path := os.Getenv("ACESTEP_MANIFEST")
	if path == "" {
		tb.Skip("model manifest not configured; set ACESTEP_MANIFEST")
	}

	if _, err := os.Stat(path); err != nil {
		tb.Skipf("model manifest not found at %q: %v", path, err)
	}

	return path
}
