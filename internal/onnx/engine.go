// Package onnx runs the exported ACE-Step graphs through ONNX Runtime. The
// transformer (conditioning encoder plus velocity decoder) and the DCAE
// latent codec are separate graphs listed in a JSON manifest next to the
// model files.
package onnx

import (
	"context"
	"fmt"
	"maps"
)

// Graph names expected in the manifest.
const (
	graphEncode      = "transformer_encode"
	graphVelocity    = "transformer_velocity"
	graphCodecEncode = "dcae_encode"
	graphCodecDecode = "dcae_decode"
)

// GraphRunner is the minimal runner contract required by Engine methods.
// Alternate runtimes can supply their own implementation through
// NewEngineWithRunners.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// Engine owns one runner per manifest graph.
type Engine struct {
	runners map[string]GraphRunner
}

// NewEngine loads every graph in the manifest and builds a native ORT runner
// for each.
func NewEngine(manifestPath string, cfg RunnerConfig) (*Engine, error) {
	mgr, err := NewSessionManager(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load manifest: %w", err)
	}

	runners := make(map[string]GraphRunner)

	for _, meta := range mgr.Sessions() {
		runner, err := NewRunner(meta, cfg)
		if err != nil {
			for _, r := range runners {
				r.Close()
			}

			return nil, fmt.Errorf("onnx: open graph %q: %w", meta.Name, err)
		}

		runners[meta.Name] = runner
	}

	return &Engine{runners: runners}, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph
// runners.
func NewEngineWithRunners(runners map[string]GraphRunner) *Engine {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Engine{runners: internal}
}

// Close releases every runner. Safe to call multiple times.
func (e *Engine) Close() {
	for _, r := range e.runners {
		r.Close()
	}

	e.runners = nil
}

func (e *Engine) runner(name string) (GraphRunner, error) {
	r, ok := e.runners[name]
	if !ok {
		return nil, fmt.Errorf("onnx: graph %q not found in manifest", name)
	}

	return r, nil
}

func output(outputs map[string]*Tensor, graph, name string) (*Tensor, error) {
	t, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("onnx: %s: missing %q in output", graph, name)
	}

	return t, nil
}
