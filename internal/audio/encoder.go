package audio

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// EncodingError reports a codec failure for a particular output format.
type EncodingError struct {
	Format Format
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Format, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// ErrNotStreamable is wrapped by EncodingError when a streaming encode is
// requested for a container that cannot be produced incrementally.
var ErrNotStreamable = errors.New("format cannot be streamed")

// Codec produces compressed containers. FFmpegCodec is the production
// implementation.
type Codec interface {
	Encode(ctx context.Context, w Waveform, f Format) ([]byte, error)
}

// Encoder turns waveforms into container bytes. WAV is produced in-process;
// MP3 and FLAC are delegated to a Codec.
type Encoder struct {
	wav          WAVEncoding
	codec        Codec
	chunkSamples int
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithWAVEncoding selects float32 (lossless) or pcm16 WAV output.
func WithWAVEncoding(e WAVEncoding) EncoderOption {
	return func(enc *Encoder) { enc.wav = e }
}

// WithCodec sets the codec used for mp3 and flac.
func WithCodec(c Codec) EncoderOption {
	return func(enc *Encoder) { enc.codec = c }
}

// WithStreamChunkSamples sets how many samples each streamed chunk carries.
func WithStreamChunkSamples(n int) EncoderOption {
	return func(enc *Encoder) { enc.chunkSamples = n }
}

// NewEncoder returns an Encoder writing float32 WAV and using ffmpeg from
// PATH for compressed formats unless overridden.
func NewEncoder(opts ...EncoderOption) *Encoder {
	enc := &Encoder{
		wav:          WAVFloat32,
		codec:        FFmpegCodec{},
		chunkSamples: DefaultStreamChunkSamples,
	}
	for _, fn := range opts {
		fn(enc)
	}
	if enc.chunkSamples <= 0 {
		enc.chunkSamples = DefaultStreamChunkSamples
	}
	return enc
}

// WAVEncoding reports the WAV sample representation in use.
func (e *Encoder) WAVEncoding() WAVEncoding {
	return e.wav
}

// Encode returns the complete container bytes for w.
func (e *Encoder) Encode(ctx context.Context, w Waveform, f Format) ([]byte, error) {
	if w.SampleRate < 1 {
		return nil, &EncodingError{Format: f, Err: fmt.Errorf("invalid sample rate: %d", w.SampleRate)}
	}

	var (
		data []byte
		err  error
	)
	switch f {
	case FormatWAV:
		if e.wav == WAVPCM16 {
			data, err = EncodeWAVPCM16(w)
		} else {
			data, err = EncodeWAVFloat32(w)
		}
	case FormatMP3, FormatFLAC:
		if e.codec == nil {
			err = errors.New("no codec configured")
		} else {
			data, err = e.codec.Encode(ctx, w, f)
		}
	default:
		err = fmt.Errorf("unknown format %q", f)
	}
	if err != nil {
		return nil, &EncodingError{Format: f, Err: err}
	}
	return data, nil
}

// EncodeStreaming yields the WAV header first and then the samples in
// fixed-size chunks. Only WAV can be streamed. The concatenated chunks equal
// the output of Encode.
func (e *Encoder) EncodeStreaming(w Waveform, f Format) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if f != FormatWAV {
			yield(nil, &EncodingError{Format: f, Err: ErrNotStreamable})
			return
		}
		if w.SampleRate < 1 {
			yield(nil, &EncodingError{Format: f, Err: fmt.Errorf("invalid sample rate: %d", w.SampleRate)})
			return
		}

		hdr := &byteSink{}
		if _, err := WriteWAVHeader(hdr, e.wav, w.SampleRate, len(w.Samples)); err != nil {
			yield(nil, &EncodingError{Format: f, Err: err})
			return
		}
		if !yield(hdr.buf, nil) {
			return
		}

		for start := 0; start < len(w.Samples); start += e.chunkSamples {
			end := min(start+e.chunkSamples, len(w.Samples))
			chunk := &byteSink{buf: make([]byte, 0, (end-start)*e.wav.bytesPerSample())}
			if _, err := WriteSamples(chunk, e.wav, w.Samples[start:end]); err != nil {
				yield(nil, &EncodingError{Format: f, Err: err})
				return
			}
			if !yield(chunk.buf, nil) {
				return
			}
		}
	}
}
