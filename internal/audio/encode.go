package audio

import (
	"bytes"
	"fmt"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAVPCM16 encodes a waveform as mono 16-bit PCM WAV.
func EncodeWAVPCM16(w Waveform) ([]byte, error) {
	if w.SampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate: %d", w.SampleRate)
	}

	var buf bytes.Buffer

	// wav.NewEncoder requires an io.WriteSeeker; bytes.Buffer is not one.
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, w.SampleRate, 16, 1, wavFormatPCM)

	pcmBuf := &goaudio.Float32Buffer{
		Data:           w.Samples,
		Format:         &goaudio.Format{SampleRate: w.SampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// pcm16Data returns the data chunk payload EncodeWAVPCM16 produces for
// samples. The sample rate only affects the header, so any valid rate works.
func pcm16Data(samples []float32) ([]byte, error) {
	full, err := EncodeWAVPCM16(Waveform{Samples: samples, SampleRate: 1})
	if err != nil {
		return nil, err
	}
	if len(full) < WAVPCM16.headerSize() {
		return nil, fmt.Errorf("short pcm16 encoding: %d bytes", len(full))
	}
	return full[WAVPCM16.headerSize():], nil
}

// seekBuffer wraps a bytes.Buffer to satisfy io.WriteSeeker.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	// Overwrite in place (the encoder patches chunk sizes on Close).
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
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
	if newPos > s.buf.Len() {
		return 0, fmt.Errorf("seek past end")
	}
	s.pos = newPos
	return int64(newPos), nil
}
