// Package generate runs a generation request end to end: validation,
// reference resolution, inference, encoding and persistence.
//
// All three response modes share one pipeline. Temporary reference files
// are released on every exit path, and output artifacts only become
// visible once completely written.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/events"
	"github.com/example/chatterbox-api/internal/ledger"
	"github.com/example/chatterbox-api/internal/params"
	"github.com/example/chatterbox-api/internal/store"
)

// Mode selects how a result is delivered.
type Mode string

const (
	ModeFile   Mode = "file"
	ModeStream Mode = "stream"
	ModeJSON   Mode = "json"
)

// DefaultMaxUploadBytes caps uploaded reference audio.
const DefaultMaxUploadBytes = 50 << 20

// Synthesizer is the inference entry point, normally a *gateway.Gateway.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, ref *engine.Reference, p params.Params) (audio.Waveform, error)
}

// Request carries the raw client input.
type Request struct {
	Text string
	// Fields looks up raw parameter values by wire name. Nil means all
	// defaults.
	Fields func(field string) (string, bool)
	// Upload and ReferenceName are mutually exclusive.
	Upload        *Upload
	ReferenceName string
	// Format is the raw output_format value. Ignored when streaming.
	Format string
}

// Result is a generated and stored artifact.
type Result struct {
	Filename   string
	Format     audio.Format
	Data       []byte
	SampleRate int
	Duration   time.Duration
	Text       string
	Params     params.Params
}

type Options struct {
	// TempDir holds reference audio for the lifetime of a request.
	TempDir        string
	MaxUploadBytes int64
	// RetainUploads also saves uploaded reference audio into the
	// reference collection after a successful generation.
	RetainUploads bool
	Ledger        *ledger.Ledger
	Events        *events.Publisher
	Logger        *slog.Logger
	Clock         func() time.Time
}

type Orchestrator struct {
	synth Synthesizer
	store *store.Store
	enc   *audio.Encoder
	opts  Options
	log   *slog.Logger
}

func New(synth Synthesizer, st *store.Store, enc *audio.Encoder, opts Options) (*Orchestrator, error) {
	if synth == nil || st == nil || enc == nil {
		return nil, errors.New("generate: synthesizer, store and encoder are required")
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "chatterbox")
	}
	if err := os.MkdirAll(opts.TempDir, 0o700); err != nil {
		return nil, fmt.Errorf("generate: temp dir: %w", err)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Events == nil {
		opts.Events = events.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{synth: synth, store: st, enc: enc, opts: opts, log: opts.Logger}, nil
}

// job is a validated request that has been through inference.
type job struct {
	mode      Mode
	text      string
	params    params.Params
	format    audio.Format
	wave      audio.Waveform
	reference string
	upload    *uploaded
	started   time.Time
}

type uploaded struct {
	name string
	data []byte
}

// Generate produces a buffered result for ModeFile or ModeJSON.
func (o *Orchestrator) Generate(ctx context.Context, req Request, mode Mode) (*Result, error) {
	if mode != ModeFile && mode != ModeJSON {
		return nil, fmt.Errorf("generate: mode %q is not buffered", mode)
	}
	j, err := o.run(ctx, req, mode)
	if err != nil {
		return nil, err
	}

	data, err := o.enc.Encode(ctx, j.wave, j.format)
	if err != nil {
		return nil, err
	}
	name, err := o.store.Put(store.Generated, o.outputName(mode, j.format), data)
	if err != nil {
		return nil, fmt.Errorf("store output: %w", err)
	}
	o.finish(ctx, j, name, int64(len(data)))

	return &Result{
		Filename:   name,
		Format:     j.format,
		Data:       data,
		SampleRate: j.wave.SampleRate,
		Duration:   j.wave.Duration(),
		Text:       j.text,
		Params:     j.params,
	}, nil
}

// Stream runs inference and returns a Stream ready to be piped. The
// container is always WAV.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*Stream, error) {
	j, err := o.run(ctx, req, ModeStream)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Filename:   o.outputName(ModeStream, audio.FormatWAV),
		SampleRate: j.wave.SampleRate,
		o:          o,
		j:          j,
	}, nil
}

// run covers validation, reference resolution and inference. The temp
// reference file never outlives it.
func (o *Orchestrator) run(ctx context.Context, req Request, mode Mode) (*job, error) {
	j, err := o.validate(req, mode)
	if err != nil {
		return nil, err
	}

	ref, release, err := o.resolveReference(ctx, req, j)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			o.log.Warn("remove temp reference", slog.String("error", err.Error()))
		}
	}()

	j.wave, err = o.synth.Synthesize(ctx, j.text, ref, j.params)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (o *Orchestrator) validate(req Request, mode Mode) (*job, error) {
	if err := params.ValidateText(req.Text); err != nil {
		return nil, err
	}

	lookup := req.Fields
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	p, err := params.Parse(lookup)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	format := audio.FormatWAV
	if mode != ModeStream {
		if format, err = audio.ParseFormat(req.Format); err != nil {
			return nil, params.Invalid(FieldOutputFormat, fmt.Sprintf("%q", req.Format), "one of wav, mp3, flac")
		}
	}

	if req.Upload != nil && req.ReferenceName != "" {
		return nil, params.Invalid(FieldReferenceAudio, "upload and "+FieldReferenceAudioFile, "at most one reference source")
	}

	return &job{mode: mode, text: req.Text, params: p, format: format, started: o.opts.Clock()}, nil
}

// resolveReference returns the engine reference and a release func that is
// always safe to call.
func (o *Orchestrator) resolveReference(ctx context.Context, req Request, j *job) (*engine.Reference, func() error, error) {
	noop := func() error { return nil }

	var (
		ext  string
		data []byte
		err  error
	)
	switch {
	case req.Upload != nil:
		if ext, err = CheckUploadName(FieldReferenceAudio, req.Upload.Filename); err != nil {
			return nil, noop, err
		}
		if data, err = ReadUpload(FieldReferenceAudio, req.Upload.Body, o.opts.MaxUploadBytes); err != nil {
			return nil, noop, err
		}
		j.reference = "upload:" + filepath.Base(req.Upload.Filename)
		j.upload = &uploaded{name: req.Upload.Filename, data: data}
	case req.ReferenceName != "":
		if data, err = o.store.Get(store.Reference, req.ReferenceName); err != nil {
			return nil, noop, err
		}
		ext = filepath.Ext(req.ReferenceName)
		j.reference = "library:" + req.ReferenceName
	default:
		return nil, noop, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, noop, err
	}
	h, err := materialize(o.opts.TempDir, ext, data)
	if err != nil {
		return nil, noop, err
	}
	return &engine.Reference{Path: h.path, Data: h.data}, h.Release, nil
}

func (o *Orchestrator) outputName(mode Mode, f audio.Format) string {
	ts := o.opts.Clock().Format("20060102_150405")
	switch mode {
	case ModeStream:
		return "generated_stream_" + ts + f.Extension()
	case ModeJSON:
		return "generated_json_" + ts + f.Extension()
	default:
		return "generated_" + ts + f.Extension()
	}
}

// finish runs the post-persist side effects. None of them can fail the
// request.
func (o *Orchestrator) finish(ctx context.Context, j *job, filename string, size int64) {
	ctx = context.WithoutCancel(ctx)
	elapsed := o.opts.Clock().Sub(j.started)

	if j.upload != nil && o.opts.RetainUploads {
		o.retainUpload(ctx, j)
	}

	if o.opts.Ledger != nil {
		err := o.opts.Ledger.Record(ctx, ledger.Entry{
			Filename:   filename,
			Mode:       string(j.mode),
			Format:     string(j.format),
			Text:       j.text,
			Params:     j.params,
			SampleRate: j.wave.SampleRate,
			DurationMS: j.wave.Duration().Milliseconds(),
			Reference:  j.reference,
		})
		if err != nil {
			o.log.WarnContext(ctx, "ledger record failed", slog.String("filename", filename), slog.String("error", err.Error()))
		}
	}

	o.opts.Events.GenerationCompleted(ctx, events.Generation{
		Filename:   filename,
		Mode:       string(j.mode),
		Format:     string(j.format),
		SampleRate: j.wave.SampleRate,
		DurationMS: j.wave.Duration().Milliseconds(),
		Size:       size,
		TextChars:  utf8.RuneCountInString(j.text),
		Seed:       j.params.Seed,
		Reference:  j.reference,
	})

	o.log.InfoContext(ctx, "generation complete",
		slog.String("mode", string(j.mode)),
		slog.String("filename", filename),
		slog.String("format", string(j.format)),
		slog.Int("text_chars", utf8.RuneCountInString(j.text)),
		slog.Int64("audio_ms", j.wave.Duration().Milliseconds()),
		slog.Int64("bytes", size),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
}

func (o *Orchestrator) retainUpload(ctx context.Context, j *job) {
	clean, err := store.Sanitize(j.upload.name)
	if err != nil {
		o.log.WarnContext(ctx, "not retaining upload", slog.String("error", err.Error()))
		return
	}
	name := store.Compose("ref_"+o.opts.Clock().Format("20060102_150405")+"_", clean, "")
	stored, err := o.store.Put(store.Reference, name, j.upload.data)
	if err != nil {
		o.log.WarnContext(ctx, "retain upload failed", slog.String("error", err.Error()))
		return
	}
	o.opts.Events.ReferenceUploaded(ctx, events.Upload{Filename: stored, Size: int64(len(j.upload.data))})
}

// Stream is an inferred waveform waiting to be delivered.
type Stream struct {
	// Filename is the requested artifact name. The stored name can differ
	// if it was taken; see Stored.
	Filename   string
	SampleRate int
	// Stored is the final artifact name, set once Pipe has committed it.
	Stored string

	o *Orchestrator
	j *job
}

// ContentType of the streamed bytes.
func (s *Stream) ContentType() string { return audio.FormatWAV.ContentType() }

// Pipe encodes the waveform chunk by chunk into w while writing the same
// bytes to a pending artifact. If w fails the artifact is still completed
// and committed, and the client error is returned. If encoding or storage
// fails the artifact is discarded.
func (s *Stream) Pipe(ctx context.Context, w io.Writer) error {
	out, err := s.o.store.Create(store.Generated, s.Filename)
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}

	var (
		written   int64
		clientErr error
	)
	for chunk, err := range s.o.enc.EncodeStreaming(s.j.wave, audio.FormatWAV) {
		if err != nil {
			_ = out.Abort()
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			_ = out.Abort()
			return fmt.Errorf("store output: %w", err)
		}
		written += int64(len(chunk))
		if clientErr == nil {
			if _, err := w.Write(chunk); err != nil {
				clientErr = err
			}
		}
	}

	name, err := out.Commit()
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}
	s.Stored = name
	s.o.finish(ctx, s.j, name, written)

	if clientErr != nil {
		return fmt.Errorf("stream to client: %w", clientErr)
	}
	return nil
}
