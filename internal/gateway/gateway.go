// Package gateway owns the inference engine and is the only path into it.
//
// At most Concurrency calls run inside the engine at once. Further callers
// wait in arrival order on a weighted semaphore; a caller whose deadline
// expires while waiting leaves the queue without disturbing the others.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/params"
)

var (
	ErrModelNotReady = errors.New("model not loaded")
	ErrTimeout       = errors.New("timed out waiting for the inference engine")
)

// InferenceError wraps a failure inside the engine. Params are kept for
// diagnostics.
type InferenceError struct {
	Params params.Params
	Err    error
}

func (e *InferenceError) Error() string {
	return "inference failed: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }

// State is the lifecycle of the engine behind the gateway.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
	StateClosed  State = "closed"
)

type Options struct {
	// Concurrency bounds simultaneous engine calls. Values below 1 mean 1.
	Concurrency int
	// RequestTimeout bounds queueing plus inference per call. Zero means no
	// limit beyond the caller's context.
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Meter          metric.Meter
	Tracer         trace.Tracer
}

type Gateway struct {
	eng     engine.Engine
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics instruments

	sem      *semaphore.Weighted
	loadOnce sync.Once
	closing  atomic.Bool

	mu      sync.RWMutex
	state   State
	info    engine.Info
	loadErr error
}

func New(eng engine.Engine, opts Options) (*Gateway, error) {
	if eng == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("")
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	m, err := newInstruments(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("gateway: metrics: %w", err)
	}

	return &Gateway{
		eng:     eng,
		opts:    opts,
		log:     opts.Logger,
		tracer:  opts.Tracer,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		state:   StateLoading,
	}, nil
}

// Start loads the engine. Only the first call loads; concurrent and later
// callers observe its outcome.
func (g *Gateway) Start(ctx context.Context) error {
	g.loadOnce.Do(func() {
		start := time.Now()
		info, err := g.eng.Load(ctx)

		g.mu.Lock()
		defer g.mu.Unlock()
		if err != nil {
			g.state = StateFailed
			g.loadErr = fmt.Errorf("load engine: %w", err)
			g.log.Error("engine load failed", slog.String("error", err.Error()))
			return
		}
		g.state = StateReady
		g.info = info
		g.log.Info("engine loaded",
			slog.Int("sample_rate", info.SampleRate),
			slog.String("device", info.Device),
			slog.String("model_type", info.ModelType),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loadErr
}

func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Ready reports whether Synthesize may be called.
func (g *Gateway) Ready() bool {
	return g.State() == StateReady && !g.closing.Load()
}

func (g *Gateway) Info() (engine.Info, error) {
	if !g.Ready() {
		return engine.Info{}, ErrModelNotReady
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.info, nil
}

// Concurrency is the admission bound.
func (g *Gateway) Concurrency() int { return g.opts.Concurrency }

// Synthesize queues for an engine slot and runs one inference.
//
// Errors: ErrModelNotReady before Start succeeds or after Close;
// ErrTimeout when RequestTimeout or the caller's deadline passes while
// queued or running; context.Canceled when the caller gives up;
// *InferenceError for anything the engine does wrong, panics included.
func (g *Gateway) Synthesize(ctx context.Context, text string, ref *engine.Reference, p params.Params) (audio.Waveform, error) {
	if !g.Ready() {
		return audio.Waveform{}, ErrModelNotReady
	}

	if g.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.RequestTimeout)
		defer cancel()
	}

	ctx, span := g.tracer.Start(ctx, "gateway.Synthesize", trace.WithAttributes(
		attribute.Int("text.chars", len([]rune(text))),
		attribute.Bool("reference", ref != nil),
		attribute.Int64("seed", p.Seed),
	))
	defer span.End()

	queued := time.Now()
	g.metrics.queueDepth.Add(ctx, 1)
	err := g.sem.Acquire(ctx, 1)
	g.metrics.queueDepth.Add(ctx, -1)
	waited := time.Since(queued)
	g.metrics.queueWait.Record(ctx, waited.Seconds())
	if err != nil {
		err = g.classify(ctx, err, "queued")
		span.SetStatus(codes.Error, err.Error())
		return audio.Waveform{}, err
	}
	defer g.sem.Release(1)

	if g.closing.Load() {
		return audio.Waveform{}, ErrModelNotReady
	}
	span.AddEvent("admitted", trace.WithAttributes(attribute.Int64("queue_wait_ms", waited.Milliseconds())))

	g.metrics.inflight.Add(ctx, 1)
	start := time.Now()
	wave, err := g.call(ctx, engine.Request{Text: text, Reference: ref, Params: p})
	elapsed := time.Since(start)
	g.metrics.inflight.Add(ctx, -1)
	g.metrics.inference.Record(ctx, elapsed.Seconds())

	if err == nil {
		switch {
		case len(wave.Samples) == 0:
			err = &InferenceError{Params: p, Err: errors.New("engine returned no audio")}
		case wave.SampleRate <= 0:
			err = &InferenceError{Params: p, Err: fmt.Errorf("engine returned sample rate %d", wave.SampleRate)}
		}
	} else if ctx.Err() != nil {
		err = g.classify(ctx, err, "running")
	} else {
		err = &InferenceError{Params: p, Err: err}
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var ie *InferenceError
		if errors.As(err, &ie) {
			g.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "inference")))
			g.log.ErrorContext(ctx, "inference failed",
				slog.Int("text_chars", len([]rune(text))),
				slog.Bool("reference", ref != nil),
				slog.Any("params", p),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.String("error", ie.Err.Error()),
			)
		}
		return audio.Waveform{}, err
	}

	g.log.DebugContext(ctx, "inference complete",
		slog.Int("samples", len(wave.Samples)),
		slog.Int64("queue_wait_ms", waited.Milliseconds()),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return wave, nil
}

// call shields the gateway from engine panics.
func (g *Gateway) call(ctx context.Context, req engine.Request) (wave audio.Waveform, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return g.eng.Synthesize(ctx, req)
}

func (g *Gateway) classify(ctx context.Context, err error, phase string) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		g.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "timeout")))
		return fmt.Errorf("%s: %w", phase, ErrTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		g.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "canceled")))
		return ctx.Err()
	default:
		return err
	}
}

// Close stops admitting new calls, waits for calls already admitted or
// queued ahead of it, then closes the engine.
func (g *Gateway) Close(ctx context.Context) error {
	if g.closing.Swap(true) {
		return nil
	}
	if err := g.sem.Acquire(ctx, int64(g.opts.Concurrency)); err != nil {
		return fmt.Errorf("gateway close: %w", err)
	}
	defer g.sem.Release(int64(g.opts.Concurrency))

	g.mu.Lock()
	g.state = StateClosed
	g.mu.Unlock()

	if err := g.eng.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}
