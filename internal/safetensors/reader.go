package safetensors

import (
	"fmt"
)

// Tensor holds a single tensor loaded from a safetensors file. Exactly one of
// Data and Ints is populated, depending on the stored dtype: floating point
// tensors (F32, F16, BF16) decode into Data, I64 tensors into Ints.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
	Ints  []int64
}

// LoadFirstTensor reads a safetensors file and returns its first tensor in
// name order. The safetensors format is: 8-byte LE header length → JSON
// header → raw tensor data.
func LoadFirstTensor(path string) (*Tensor, error) {
	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	names := store.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("safetensors: no tensors found")
	}
	return store.Tensor(names[0])
}

// LoadFirstTensorFromBytes decodes a safetensors payload and returns its
// first tensor in name order.
func LoadFirstTensorFromBytes(data []byte) (*Tensor, error) {
	store, err := OpenStoreFromBytes(data, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	names := store.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("safetensors: no tensors found")
	}
	return store.Tensor(names[0])
}
