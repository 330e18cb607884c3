package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// Native WAV format for generated audio.
const (
	SampleRate = 44100
	Channels   = 2
	BitDepth   = 16
)

// ErrFormatMismatch is returned when a decoded WAV does not match the
// supported format.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// DecodeWAV decodes 16-bit PCM WAV bytes into per-channel float32 samples
// and the file's sample rate. Mono and stereo files are accepted; the
// caller decides whether the rate is usable.
func DecodeWAV(data []byte) ([][]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("empty WAV input")
	}

	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid WAV file")
	}

	if dec.BitDepth != BitDepth {
		return nil, 0, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, BitDepth)
	}

	chans := int(dec.NumChans)
	if chans != 1 && chans != Channels {
		return nil, 0, fmt.Errorf("%w: channels %d, want 1 or %d", ErrFormatMismatch, chans, Channels)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("reading PCM data: %w", err)
	}

	frames := len(buf.Data) / chans
	channels := make([][]float32, chans)

	for ch := range channels {
		channels[ch] = make([]float32, frames)
		for i := range frames {
			channels[ch][i] = buf.Data[i*chans+ch]
		}
	}

	return channels, int(dec.SampleRate), nil
}
