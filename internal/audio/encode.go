package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAV encodes per-channel float32 samples as a 16-bit PCM WAV byte
// slice at the given sample rate. One channel writes a mono file, two write
// an interleaved stereo file.
func EncodeWAV(channels [][]float32, sampleRate int) ([]byte, error) {
	if len(channels) != 1 && len(channels) != Channels {
		return nil, fmt.Errorf("unsupported channel count %d", len(channels))
	}

	if sampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	frames := len(channels[0])
	for ch := range channels {
		if len(channels[ch]) != frames {
			return nil, errors.New("channel lengths differ")
		}
	}

	if frames == 0 {
		return nil, errors.New("no samples to encode")
	}

	interleaved := make([]float32, 0, frames*len(channels))
	for i := range frames {
		for ch := range channels {
			interleaved = append(interleaved, channels[ch][i])
		}
	}

	var buf bytes.Buffer

	// wav.NewEncoder requires an io.WriteSeeker; bytes.Buffer is not one.
	// Use a seekable wrapper.
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, sampleRate, BitDepth, len(channels), 1) // 1 = PCM

	pcmBuf := &goaudio.Float32Buffer{
		Data:           interleaved,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: len(channels)},
		SourceBitDepth: BitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// seekBuffer wraps a bytes.Buffer to satisfy io.WriteSeeker.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	// If writing at the end, just append.
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	// Writing in the middle: overwrite existing bytes.
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		// Extend the buffer for the remainder.
		data = append(data, p[n:]...)
		// Reset buffer with extended data.
		s.buf.Reset()
		s.buf.Write(data)
		n = len(p)
	}
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case 0: // io.SeekStart
		newPos = int(offset)
	case 1: // io.SeekCurrent
		newPos = s.pos + int(offset)
	case 2: // io.SeekEnd
		newPos = s.buf.Len() + int(offset)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seek before start")
	}
	s.pos = newPos
	return int64(newPos), nil
}
