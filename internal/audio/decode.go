package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/wav"
)

// ErrInvalidWAV is returned when data is not a readable WAV file.
var ErrInvalidWAV = errors.New("invalid WAV file")

type wavInfo struct {
	format     uint16
	channels   int
	sampleRate int
	bitDepth   int
	data       []byte
}

// DecodeWAV decodes IEEE float or 16-bit PCM WAV data into a mono waveform.
// Multi-channel input is averaged down to mono.
func DecodeWAV(data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, errors.New("empty WAV input")
	}

	info, err := parseWAV(data)
	if err != nil {
		return Waveform{}, err
	}

	switch {
	case info.format == wavFormatIEEEFloat && info.bitDepth == 32:
		frames := decodeFloat32(info.data)
		return Waveform{Samples: downmix(frames, info.channels), SampleRate: info.sampleRate}, nil
	case info.format == wavFormatPCM && info.bitDepth == 16:
		return decodePCM16(data, info)
	default:
		return Waveform{}, fmt.Errorf("%w: unsupported format %d at %d bits", ErrInvalidWAV, info.format, info.bitDepth)
	}
}

// parseWAV walks the RIFF chunk list. A data chunk whose declared size is
// zero or overruns the input (as written by non-seekable encoders) extends to
// the end of the input.
func parseWAV(data []byte) (wavInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return wavInfo{}, ErrInvalidWAV
	}

	var (
		info    wavInfo
		haveFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return wavInfo{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			info.format = binary.LittleEndian.Uint16(data[body : body+2])
			info.channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.bitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if info.format == wavFormatExtensible && size >= 40 && body+26 <= len(data) {
				// The sub-format GUID starts with the real format tag.
				info.format = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return wavInfo{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			info.data = data[body:end]
			if info.channels < 1 || info.sampleRate < 1 {
				return wavInfo{}, fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidWAV, info.channels, info.sampleRate)
			}
			return info, nil
		}

		if size < 0 || body+size > len(data) {
			break
		}
		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}

	return wavInfo{}, fmt.Errorf("%w: data chunk not found", ErrInvalidWAV)
}

func decodeFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func decodePCM16(data []byte, info wavInfo) (Waveform, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Waveform{}, ErrInvalidWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return Waveform{Samples: downmix(buf.Data, info.channels), SampleRate: int(dec.SampleRate)}, nil
}

func downmix(frames []float32, channels int) []float32 {
	if channels <= 1 {
		return frames
	}
	n := len(frames) / channels
	out := make([]float32, n)
	for i := range n {
		var sum float32
		for c := range channels {
			sum += frames[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
