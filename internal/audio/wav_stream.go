package audio

import (
	"io"
)

// DefaultStreamChunkSamples is 200 ms at 24 kHz.
const DefaultStreamChunkSamples = 4800

// WriteWAVHeader writes a mono header sized for numSamples samples, so that
// samples written afterwards with WriteSamples form a complete file.
func WriteWAVHeader(w io.Writer, enc WAVEncoding, sampleRate, numSamples int) (int, error) {
	return writeWAVHeader(w, enc, sampleRate, numSamples)
}

// WriteSamples encodes samples in the given WAV sample representation and
// writes them to w.
func WriteSamples(w io.Writer, enc WAVEncoding, samples []float32) (int, error) {
	buf, err := appendSamples(make([]byte, 0, len(samples)*enc.bytesPerSample()), enc, samples)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}
