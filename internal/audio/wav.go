package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// WAVEncoding selects the sample representation inside a WAV container.
type WAVEncoding string

const (
	// WAVFloat32 stores IEEE float samples; decoding returns the exact input.
	WAVFloat32 WAVEncoding = "float32"
	// WAVPCM16 stores 16-bit signed integers scaled by 32768, clamped to
	// [-32768, 32767].
	WAVPCM16 WAVEncoding = "pcm16"
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// ParseWAVEncoding accepts float32 or pcm16; empty means float32.
func ParseWAVEncoding(raw string) (WAVEncoding, error) {
	switch e := WAVEncoding(strings.ToLower(strings.TrimSpace(raw))); e {
	case "":
		return WAVFloat32, nil
	case WAVFloat32, WAVPCM16:
		return e, nil
	default:
		return "", fmt.Errorf("unsupported wav encoding %q (want float32|pcm16)", raw)
	}
}

func (e WAVEncoding) bytesPerSample() int {
	if e == WAVPCM16 {
		return 2
	}
	return 4
}

// headerSize is the byte length written by writeWAVHeader.
func (e WAVEncoding) headerSize() int {
	if e == WAVPCM16 {
		return 44
	}
	// RIFF(12) + fmt(8+18) + fact(8+4) + data(8)
	return 58
}

// writeWAVHeader writes a mono header for numSamples samples. The sizes are
// exact, so a header followed by the encoded samples is a complete file.
func writeWAVHeader(w io.Writer, enc WAVEncoding, sampleRate, numSamples int) (int, error) {
	const channels = 1
	bps := enc.bytesPerSample()
	dataSize := numSamples * bps
	blockAlign := channels * bps
	byteRate := sampleRate * blockAlign

	hdr := make([]byte, enc.headerSize())
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(hdr)-8+dataSize))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")

	if enc == WAVPCM16 {
		binary.LittleEndian.PutUint32(hdr[16:20], 16)
		binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
		binary.LittleEndian.PutUint16(hdr[22:24], channels)
		binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
		binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
		binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
		binary.LittleEndian.PutUint16(hdr[34:36], 16)
		copy(hdr[36:40], "data")
		binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataSize))
		return w.Write(hdr)
	}

	binary.LittleEndian.PutUint32(hdr[16:20], 18)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatIEEEFloat)
	binary.LittleEndian.PutUint16(hdr[22:24], channels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], 32)
	binary.LittleEndian.PutUint16(hdr[36:38], 0) // cbSize
	copy(hdr[38:42], "fact")
	binary.LittleEndian.PutUint32(hdr[42:46], 4)
	binary.LittleEndian.PutUint32(hdr[46:50], uint32(numSamples))
	copy(hdr[50:54], "data")
	binary.LittleEndian.PutUint32(hdr[54:58], uint32(dataSize))
	return w.Write(hdr)
}

// appendSamples appends the little-endian encoding of samples to dst. PCM16
// samples are quantized by the same encoder as EncodeWAVPCM16.
func appendSamples(dst []byte, enc WAVEncoding, samples []float32) ([]byte, error) {
	if enc == WAVPCM16 {
		data, err := pcm16Data(samples)
		if err != nil {
			return dst, err
		}
		return append(dst, data...), nil
	}
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst, nil
}

// EncodeWAVFloat32 encodes a waveform as a lossless IEEE float WAV file.
func EncodeWAVFloat32(w Waveform) ([]byte, error) {
	if w.SampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate: %d", w.SampleRate)
	}
	buf := make([]byte, 0, WAVFloat32.headerSize()+len(w.Samples)*4)
	hdr := &byteSink{buf: buf}
	if _, err := writeWAVHeader(hdr, WAVFloat32, w.SampleRate, len(w.Samples)); err != nil {
		return nil, err
	}
	return appendSamples(hdr.buf, WAVFloat32, w.Samples)
}

type byteSink struct{ buf []byte }

func (b *byteSink) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}
