// Package doctor provides environment preflight checks for acestep.
package doctor

import (
	"fmt"
	"io"
	"os"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// CheckFunc probes one component and returns a human-readable detail string
// or an error if the component is unavailable.
type CheckFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime detects the ONNX Runtime shared library.
	Runtime CheckFunc
	// ManifestPath is the graph manifest to verify on disk.
	ManifestPath string
	// Graphs maps manifest graph names to their model file paths.
	Graphs map[string]string
	// RequiredGraphs lists graph names the sampler cannot run without.
	RequiredGraphs []string
	// OutputDir is verified to exist or be creatable.
	OutputDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime library --------------------------------------------
	if cfg.Runtime != nil {
		detail, err := cfg.Runtime()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, detail)
		}
	}

	// ---- graph manifest ---------------------------------------------------
	if cfg.ManifestPath != "" {
		if _, err := os.Stat(cfg.ManifestPath); err != nil {
			res.fail(fmt.Sprintf("manifest %q: %v", cfg.ManifestPath, err))
			fmt.Fprintf(w, "%s manifest %s: not found\n", FailMark, cfg.ManifestPath)
		} else {
			fmt.Fprintf(w, "%s manifest: %s\n", PassMark, cfg.ManifestPath)
		}
	}

	// ---- required graphs --------------------------------------------------
	for _, name := range cfg.RequiredGraphs {
		path, ok := cfg.Graphs[name]
		if !ok {
			res.fail(fmt.Sprintf("graph %q: missing from manifest", name))
			fmt.Fprintf(w, "%s graph %s: missing from manifest\n", FailMark, name)

			continue
		}

		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("graph %q file %q: %v", name, path, err))
			fmt.Fprintf(w, "%s graph %s: file %s not found\n", FailMark, name, path)
		} else {
			fmt.Fprintf(w, "%s graph %s: %s\n", PassMark, name, path)
		}
	}

	// ---- output directory -------------------------------------------------
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			res.fail(fmt.Sprintf("output dir %q: %v", cfg.OutputDir, err))
			fmt.Fprintf(w, "%s output dir %s: %v\n", FailMark, cfg.OutputDir, err)
		} else {
			fmt.Fprintf(w, "%s output dir: %s\n", PassMark, cfg.OutputDir)
		}
	}

	return res
}
