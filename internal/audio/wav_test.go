package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	left := []float32{0, 0.5, -0.5, 0.25}
	right := []float32{0.1, -0.1, 0.2, -0.2}

	data, err := EncodeWAV([][]float32{left, right}, SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV error: %v", err)
	}

	channels, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV error: %v", err)
	}

	if rate != SampleRate {
		t.Fatalf("rate = %d, want %d", rate, SampleRate)
	}

	if len(channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(channels))
	}

	// 16-bit quantization tolerance.
	for i := range left {
		if math.Abs(float64(channels[0][i]-left[i])) > 1.0/32767*2 {
			t.Fatalf("left[%d] = %v, want %v", i, channels[0][i], left[i])
		}

		if math.Abs(float64(channels[1][i]-right[i])) > 1.0/32767*2 {
			t.Fatalf("right[%d] = %v, want %v", i, channels[1][i], right[i])
		}
	}
}

func TestEncodeWAVMono(t *testing.T) {
	data, err := EncodeWAV([][]float32{{0.5, -0.5}}, SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV error: %v", err)
	}

	channels, _, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV error: %v", err)
	}

	if len(channels) != 1 || len(channels[0]) != 2 {
		t.Fatalf("decoded %d channels of %d samples", len(channels), len(channels[0]))
	}
}

func TestEncodeWAVValidation(t *testing.T) {
	if _, err := EncodeWAV(nil, SampleRate); err == nil {
		t.Fatal("no channels did not fail")
	}

	if _, err := EncodeWAV([][]float32{{1}, {1, 2}}, SampleRate); err == nil {
		t.Fatal("mismatched channel lengths did not fail")
	}

	if _, err := EncodeWAV([][]float32{{}}, SampleRate); err == nil {
		t.Fatal("empty samples did not fail")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV(nil); err == nil {
		t.Fatal("empty input did not fail")
	}

	if _, _, err := DecodeWAV([]byte("definitely not a wav file")); err == nil {
		t.Fatal("garbage input did not fail")
	}
}

func TestWriteWAVHeaderStreaming(t *testing.T) {
	var buf bytes.Buffer

	n, err := WriteWAVHeaderStreaming(&buf)
	if err != nil {
		t.Fatalf("WriteWAVHeaderStreaming error: %v", err)
	}

	if n != 44 {
		t.Fatalf("header bytes = %d, want 44", n)
	}

	hdr := buf.Bytes()
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}

	if got := binary.LittleEndian.Uint32(hdr[24:28]); got != SampleRate {
		t.Fatalf("sample rate = %d, want %d", got, SampleRate)
	}

	if got := binary.LittleEndian.Uint16(hdr[22:24]); got != Channels {
		t.Fatalf("channels = %d, want %d", got, Channels)
	}
}

func TestWritePCM16SamplesClamps(t *testing.T) {
	var buf bytes.Buffer

	if _, err := WritePCM16Samples(&buf, []float32{2.0, -2.0}); err != nil {
		t.Fatalf("WritePCM16Samples error: %v", err)
	}

	b := buf.Bytes()
	if got := int16(binary.LittleEndian.Uint16(b[0:2])); got != 32767 {
		t.Fatalf("clamped max = %d, want 32767", got)
	}

	if got := int16(binary.LittleEndian.Uint16(b[2:4])); got != -32767 {
		t.Fatalf("clamped min = %d, want -32767", got)
	}
}
