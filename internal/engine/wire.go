package engine

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/params"
)

// synthRequest is the JSON request understood by exec and http workers.
type synthRequest struct {
	Text                 string `json:"text"`
	ReferenceAudioPath   string `json:"reference_audio_path,omitempty"`
	ReferenceAudioBase64 string `json:"reference_audio_base64,omitempty"`
	params.Params
}

// synthReply carries little-endian float32 mono samples, base64 encoded.
type synthReply struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Error       string `json:"error,omitempty"`
}

func (r synthReply) waveform() (audio.Waveform, error) {
	if r.Error != "" {
		return audio.Waveform{}, errors.New(r.Error)
	}
	raw, err := base64.StdEncoding.DecodeString(r.AudioBase64)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("decode audio_base64: %w", err)
	}
	samples, err := decodeF32LE(raw)
	if err != nil {
		return audio.Waveform{}, err
	}
	return audio.Waveform{Samples: samples, SampleRate: r.SampleRate}, nil
}

func decodeF32LE(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("f32le payload length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// EncodeF32LE is the inverse of the worker sample encoding. Worker
// implementations and tests use it to build replies.
func EncodeF32LE(samples []float32) string {
	raw := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
