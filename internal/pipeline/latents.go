package pipeline

import (
	"github.com/example/go-ace-step/internal/safetensors"
	"github.com/example/go-ace-step/internal/tensor"
)

const latentsKey = "latents"

// SaveLatents writes a latent tensor to a .safetensors file so later repaint,
// extend or edit runs can pick it up without re-encoding audio.
func SaveLatents(path string, latents *tensor.Tensor) error {
	return safetensors.WriteFile(path, []safetensors.Tensor{{
		Name:  latentsKey,
		Shape: latents.Shape(),
		Data:  latents.Data(),
	}})
}

// LoadLatents reads a latent tensor previously written by SaveLatents.
func LoadLatents(path string) (*tensor.Tensor, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, stageErr(StagePreprocess, err)
	}
	defer store.Close()

	t, err := store.Tensor(latentsKey)
	if err != nil {
		return nil, stageErr(StagePreprocess, err)
	}

	out, err := tensor.New(t.Data, t.Shape)
	if err != nil {
		return nil, stageErr(StagePreprocess, err)
	}

	return out, nil
}
