package pipeline

import (
	"fmt"

	"github.com/example/go-ace-step/internal/safetensors"
	"github.com/example/go-ace-step/internal/sampler"
	"github.com/example/go-ace-step/internal/tensor"
)

// Conditioning bundle tensor names, as written by the export script that
// runs the text/lyric front end. The speaker embedding and the attenuated
// null text states are optional; lyric tensors default to empty rows when
// absent.
const (
	keyTextHidden     = "text_hidden"
	keyTextMask       = "text_mask"
	keySpeaker        = "speaker"
	keyLyricTokens    = "lyric_tokens"
	keyLyricMask      = "lyric_mask"
	keyNullTextHidden = "null_text_hidden"
)

// LoadConditioning reads a conditioning bundle from a .safetensors file.
func LoadConditioning(path string) (sampler.Conditioning, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return sampler.Conditioning{}, stageErr(StagePreprocess, err)
	}
	defer store.Close()

	return conditioningFromStore(store)
}

// LoadConditioningFromBytes decodes a conditioning bundle from raw
// safetensors bytes.
func LoadConditioningFromBytes(data []byte) (sampler.Conditioning, error) {
	store, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{})
	if err != nil {
		return sampler.Conditioning{}, stageErr(StagePreprocess, err)
	}
	defer store.Close()

	return conditioningFromStore(store)
}

func conditioningFromStore(store *safetensors.Store) (sampler.Conditioning, error) {
	var cond sampler.Conditioning

	textHidden, err := floatTensor(store, keyTextHidden)
	if err != nil {
		return cond, stageErr(StagePreprocess, err)
	}

	if textHidden.Rank() != 3 {
		return cond, stageErr(StagePreprocess, fmt.Errorf("bundle: %s must be [batch, seq, dim], got %v", keyTextHidden, textHidden.Shape()))
	}

	batch := textHidden.Shape()[0]

	textMask, err := floatTensor(store, keyTextMask)
	if err != nil {
		return cond, stageErr(StagePreprocess, err)
	}

	cond.TextHidden = textHidden
	cond.TextMask = textMask

	if store.Has(keySpeaker) {
		cond.Speaker, err = floatTensor(store, keySpeaker)
		if err != nil {
			return cond, stageErr(StagePreprocess, err)
		}
	} else {
		// Released checkpoints run with zeroed speaker embeddings.
		cond.Speaker, err = tensor.Zeros([]int64{batch, sampler.SpeakerEmbedDim})
		if err != nil {
			return cond, stageErr(StagePreprocess, err)
		}
	}

	if store.Has(keyLyricTokens) != store.Has(keyLyricMask) {
		return cond, stageErr(StagePreprocess, fmt.Errorf("bundle: %s and %s must be present together", keyLyricTokens, keyLyricMask))
	}

	if store.Has(keyLyricTokens) {
		cond.LyricTokens, err = intRows(store, keyLyricTokens)
		if err != nil {
			return cond, stageErr(StagePreprocess, err)
		}

		cond.LyricMask, err = intRows(store, keyLyricMask)
		if err != nil {
			return cond, stageErr(StagePreprocess, err)
		}
	} else {
		cond.LyricTokens = make([][]int64, batch)
		cond.LyricMask = make([][]int64, batch)
	}

	if store.Has(keyNullTextHidden) {
		cond.NullTextHidden, err = floatTensor(store, keyNullTextHidden)
		if err != nil {
			return cond, stageErr(StagePreprocess, err)
		}
	}

	if _, err := cond.Batch(); err != nil {
		return sampler.Conditioning{}, stageErr(StagePreprocess, err)
	}

	return cond, nil
}

func floatTensor(store *safetensors.Store, name string) (*tensor.Tensor, error) {
	t, err := store.Tensor(name)
	if err != nil {
		return nil, err
	}

	// Masks may be exported as I64; widen to float32.
	if t.Ints != nil {
		data := make([]float32, len(t.Ints))
		for i, v := range t.Ints {
			data[i] = float32(v)
		}

		return tensor.New(data, t.Shape)
	}

	return tensor.New(t.Data, t.Shape)
}

// intRows reads a rectangular [batch, len] I64 tensor into per-row slices.
func intRows(store *safetensors.Store, name string) ([][]int64, error) {
	t, err := store.Tensor(name)
	if err != nil {
		return nil, err
	}

	if t.Ints == nil {
		return nil, fmt.Errorf("bundle: %s must be an I64 tensor", name)
	}

	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("bundle: %s must be [batch, len], got %v", name, t.Shape)
	}

	batch := int(t.Shape[0])
	width := int(t.Shape[1])
	rows := make([][]int64, batch)

	for b := range rows {
		rows[b] = append([]int64(nil), t.Ints[b*width:(b+1)*width]...)
	}

	return rows, nil
}
