package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

func collect(t *testing.T, enc *Encoder, w Waveform, f Format) ([][]byte, error) {
	t.Helper()

	var chunks [][]byte
	for chunk, err := range enc.EncodeStreaming(w, f) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestEncodeStreaming_ConcatenationMatchesEncode(t *testing.T) {
	w := Waveform{Samples: sine(10_000, 24000, 220), SampleRate: 24000}
	enc := NewEncoder(WithStreamChunkSamples(4096))

	chunks, err := collect(t, enc, w, FormatWAV)
	if err != nil {
		t.Fatal(err)
	}

	// header + ceil(10000/4096) sample chunks
	if len(chunks) != 1+3 {
		t.Fatalf("got %d chunks; want 4", len(chunks))
	}
	if len(chunks[0]) != 58 {
		t.Errorf("header chunk = %d bytes; want 58", len(chunks[0]))
	}

	want, err := enc.Encode(context.Background(), w, FormatWAV)
	if err != nil {
		t.Fatal(err)
	}
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, want) {
		t.Fatalf("streamed bytes (%d) differ from buffered bytes (%d)", len(got), len(want))
	}
}

func TestEncodeStreaming_PCM16ConcatenationMatchesEncode(t *testing.T) {
	for _, tc := range []struct {
		name    string
		samples []float32
		chunk   int
	}{
		{"quarter steps", []float32{0.5, -0.5, 0.25, 1.0}, 3},
		{"out of range", []float32{2.0, -3.0, 0, -1.0}, 1},
		{"sine", sine(5000, 24000, 330), 1024},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := Waveform{Samples: tc.samples, SampleRate: 24000}
			enc := NewEncoder(WithWAVEncoding(WAVPCM16), WithStreamChunkSamples(tc.chunk))

			chunks, err := collect(t, enc, w, FormatWAV)
			if err != nil {
				t.Fatal(err)
			}
			want, err := enc.Encode(context.Background(), w, FormatWAV)
			if err != nil {
				t.Fatal(err)
			}
			if got := bytes.Join(chunks, nil); !bytes.Equal(got, want) {
				t.Fatalf("streamed pcm16 differs from buffered:\n got % x\nwant % x", got, want)
			}
		})
	}
}

func TestWriteSamples_PCM16Scaling(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteSamples(&buf, WAVPCM16, []float32{0.5, -0.5, 0.25, 1.0}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x40, 0x00, 0xc0, 0x00, 0x20, 0xff, 0x7f}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("pcm16 data = % x; want % x", buf.Bytes(), want)
	}
}

func TestEncodeStreaming_PCM16HeaderIsExact(t *testing.T) {
	w := Waveform{Samples: sine(1000, 16000, 440), SampleRate: 16000}
	enc := NewEncoder(WithWAVEncoding(WAVPCM16), WithStreamChunkSamples(300))

	chunks, err := collect(t, enc, w, FormatWAV)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Join(chunks, nil)

	if len(data) != 44+2000 {
		t.Fatalf("len = %d; want %d", len(data), 44+2000)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 2000 {
		t.Errorf("data size = %d; want 2000", got)
	}

	decoded, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("streamed pcm16 does not decode: %v", err)
	}
	if len(decoded.Samples) != 1000 || decoded.SampleRate != 16000 {
		t.Errorf("decoded %d samples at %d Hz", len(decoded.Samples), decoded.SampleRate)
	}
}

func TestEncodeStreaming_EmptyWaveformYieldsHeaderOnly(t *testing.T) {
	chunks, err := collect(t, NewEncoder(), Waveform{SampleRate: 24000}, FormatWAV)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks; want 1", len(chunks))
	}
}

func TestEncodeStreaming_CompressedFormatsRejected(t *testing.T) {
	for _, f := range []Format{FormatMP3, FormatFLAC} {
		_, err := collect(t, NewEncoder(), Waveform{Samples: []float32{0}, SampleRate: 24000}, f)
		var ee *EncodingError
		if !errors.As(err, &ee) || !errors.Is(err, ErrNotStreamable) {
			t.Errorf("%s: err = %v; want EncodingError wrapping ErrNotStreamable", f, err)
		}
	}
}

func TestEncodeStreaming_StopsWhenConsumerStops(t *testing.T) {
	w := Waveform{Samples: make([]float32, 100), SampleRate: 24000}
	enc := NewEncoder(WithStreamChunkSamples(10))

	n := 0
	for range enc.EncodeStreaming(w, FormatWAV) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("consumed %d chunks; want 3", n)
	}
}

func TestWriteSamples_PCM16Clamping(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteSamples(&buf, WAVPCM16, []float32{2.0, -3.0, 0}); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if got := int16(binary.LittleEndian.Uint16(data[0:2])); got != 32767 {
		t.Errorf("clamped +2.0 = %d; want 32767", got)
	}
	if got := int16(binary.LittleEndian.Uint16(data[2:4])); got != -32768 {
		t.Errorf("clamped -3.0 = %d; want -32768", got)
	}
}

func TestWriteWAVHeader_Float32Layout(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteWAVHeader(&buf, WAVFloat32, 24000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if n != 58 {
		t.Fatalf("wrote %d bytes; want 58", n)
	}
	hdr := buf.Bytes()
	for off, marker := range map[int]string{0: "RIFF", 8: "WAVE", 12: "fmt ", 38: "fact", 50: "data"} {
		if string(hdr[off:off+4]) != marker {
			t.Errorf("marker at %d = %q; want %q", off, hdr[off:off+4], marker)
		}
	}
	if got := binary.LittleEndian.Uint32(hdr[54:58]); got != 20 {
		t.Errorf("data size = %d; want 20", got)
	}
}
