package onnx

import (
	"testing"
)

func TestNewTensorValidatesShape(t *testing.T) {
	if _, err := NewTensor([]float32{1, 2, 3}, []int64{2, 2}); err == nil {
		t.Fatal("mismatched shape did not fail")
	}

	tt, err := NewTensor([]int64{1, 2, 3, 4}, []int64{2, 2})
	if err != nil {
		t.Fatalf("NewTensor error: %v", err)
	}

	if tt.DType() != DTypeInt64 {
		t.Fatalf("dtype = %v, want int64", tt.DType())
	}
}

func TestNewZeroTensor(t *testing.T) {
	tt, err := NewZeroTensor("tensor(float)", []any{float64(2), "frames", int64(3)})
	if err != nil {
		t.Fatalf("NewZeroTensor error: %v", err)
	}

	// Symbolic dims resolve to 1.
	shape := tt.Shape()
	if shape[0] != 2 || shape[1] != 1 || shape[2] != 3 {
		t.Fatalf("shape = %v, want [2 1 3]", shape)
	}

	data, err := ExtractFloat32(tt)
	if err != nil {
		t.Fatalf("ExtractFloat32 error: %v", err)
	}

	if len(data) != 6 {
		t.Fatalf("len = %d, want 6", len(data))
	}

	if _, err := NewZeroTensor("float16", []any{2}); err == nil {
		t.Fatal("unsupported dtype did not fail")
	}
}

func TestExtractMismatchedDType(t *testing.T) {
	tt, err := NewTensor([]float32{1}, []int64{1})
	if err != nil {
		t.Fatalf("NewTensor error: %v", err)
	}

	if _, err := ExtractInt64(tt); err == nil {
		t.Fatal("int64 extraction from float tensor did not fail")
	}

	if _, err := ExtractFloat32(tt); err != nil {
		t.Fatalf("ExtractFloat32 error: %v", err)
	}
}
