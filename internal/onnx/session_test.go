package onnx

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()

	for _, name := range []string{"encode.onnx", "velocity.onnx"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("onnx"), 0o644); err != nil {
			t.Fatalf("write graph file: %v", err)
		}
	}

	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	return path
}

func TestNewSessionManager(t *testing.T) {
	path := writeManifest(t, `{
		"graphs": [
			{"name": "transformer_encode", "filename": "encode.onnx",
			 "inputs": [{"name": "encoder_text_hidden_states", "dtype": "float32", "shape": [1, "seq", 768]}],
			 "outputs": [{"name": "encoder_hidden_states", "dtype": "float32", "shape": [1, "seq", 2560]}]},
			{"name": "transformer_velocity", "filename": "velocity.onnx"}
		]
	}`)

	mgr, err := NewSessionManager(path)
	if err != nil {
		t.Fatalf("NewSessionManager error: %v", err)
	}

	s, ok := mgr.Session("transformer_encode")
	if !ok {
		t.Fatal("transformer_encode session missing")
	}

	if len(s.Inputs) != 1 || s.Inputs[0].Name != "encoder_text_hidden_states" {
		t.Fatalf("inputs = %v", s.Inputs)
	}

	sessions := mgr.Sessions()
	if len(sessions) != 2 || sessions[0].Name != "transformer_encode" || sessions[1].Name != "transformer_velocity" {
		t.Fatalf("sessions out of order: %v", sessions)
	}
}

func TestNewSessionManagerRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty graphs", `{"graphs": []}`},
		{"missing name", `{"graphs": [{"filename": "encode.onnx"}]}`},
		{"missing filename", `{"graphs": [{"name": "transformer_encode"}]}`},
		{"missing file", `{"graphs": [{"name": "transformer_encode", "filename": "absent.onnx"}]}`},
		{"duplicate name", `{"graphs": [
			{"name": "transformer_encode", "filename": "encode.onnx"},
			{"name": "transformer_encode", "filename": "velocity.onnx"}
		]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSessionManager(writeManifest(t, tc.body)); err == nil {
				t.Fatal("bad manifest did not fail")
			}
		})
	}
}
