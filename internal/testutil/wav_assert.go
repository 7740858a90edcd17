package testutil

import (
	"encoding/binary"
	"errors"
	"testing"
)

// AssertValidWAV checks that data is a mono WAV file at sampleRate with a
// PCM (16-bit) or IEEE float (32-bit) payload holding at least one sample.
func AssertValidWAV(tb testing.TB, data []byte, sampleRate int) {
	tb.Helper()

	if len(data) < 44 {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		tb.Fatalf("WAV: missing RIFF header (got %q)", string(data[0:4]))
	}

	if string(data[8:12]) != "WAVE" {
		tb.Fatalf("WAV: missing WAVE marker (got %q)", string(data[8:12]))
	}

	if string(data[12:16]) != "fmt " {
		tb.Fatalf("WAV: missing fmt chunk (got %q)", string(data[12:16]))
	}

	audioFmt := binary.LittleEndian.Uint16(data[20:22])
	bitDepth := binary.LittleEndian.Uint16(data[34:36])
	switch {
	case audioFmt == 1 && bitDepth == 16, audioFmt == 3 && bitDepth == 32:
	default:
		tb.Fatalf("WAV: unexpected format %d at %d bits", audioFmt, bitDepth)
	}

	channels := binary.LittleEndian.Uint16(data[22:24])
	if channels != 1 {
		tb.Fatalf("WAV: expected mono (1 channel), got %d", channels)
	}

	if got := binary.LittleEndian.Uint32(data[24:28]); int(got) != sampleRate {
		tb.Fatalf("WAV: expected sample rate %d, got %d", sampleRate, got)
	}

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if dataSize/uint32(bitDepth/8) == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}
}

// findDataChunkSize walks the WAV chunk list to locate the "data" sub-chunk
// and returns its size in bytes.
func findDataChunkSize(data []byte) (uint32, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])

		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
