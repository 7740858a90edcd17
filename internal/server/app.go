package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/config"
	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/events"
	"github.com/example/chatterbox-api/internal/gateway"
	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/ledger"
	"github.com/example/chatterbox-api/internal/store"
	"github.com/example/chatterbox-api/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Server: wires the components into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

type Server struct {
	cfg             config.Config
	log             *slog.Logger
	eng             engine.Engine
	shutdownTimeout time.Duration
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{cfg: cfg, log: logger, shutdownTimeout: timeout}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// WithEngine replaces the engine selected by engine.kind.
func (s *Server) WithEngine(e engine.Engine) *Server {
	s.eng = e
	return s
}

// components is everything Start builds and must release.
type components struct {
	telemetry *telemetry.Providers
	gateway   *gateway.Gateway
	ledger    *ledger.Ledger
	events    *events.Publisher
	handler   http.Handler
}

func (s *Server) build(ctx context.Context) (_ *components, err error) {
	cfg := s.cfg
	c := &components{}
	defer func() {
		if err != nil {
			c.close(context.Background(), s.log)
		}
	}()

	c.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "chatterbox-api",
		ServiceVersion: buildVersion(),
		Environment:    cfg.Telemetry.Environment,
		Metrics:        cfg.Telemetry.Metrics,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		TraceStdout:    cfg.Telemetry.TraceStdout,
	}, s.log)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.Open(store.Options{
		ReferenceDir: cfg.Storage.ReferencePath(),
		GeneratedDir: cfg.Storage.OutputPath(),
		Logger:       s.log,
	})
	if err != nil {
		return nil, err
	}

	eng := s.eng
	if eng == nil {
		eng, err = engine.New(engine.Options{
			Kind:    cfg.Engine.Kind,
			Command: cfg.Engine.Command,
			URL:     cfg.Engine.URL,
			Device:  cfg.Engine.Device,
			Logger:  s.log,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	c.gateway, err = gateway.New(eng, gateway.Options{
		Concurrency:    cfg.Gateway.Concurrency,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		Logger:         s.log,
		Meter:          c.telemetry.Meter,
		Tracer:         c.telemetry.Tracer,
	})
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	c.ledger, err = ledger.Open(ctx, ledger.Options{
		Path:     cfg.LedgerPath(),
		Disabled: !cfg.Ledger.Enabled,
	}, s.log)
	if err != nil {
		return nil, err
	}

	c.events, err = events.Connect(ctx, events.Options{
		URL:           cfg.Events.NATSURL,
		SubjectPrefix: cfg.Events.SubjectPrefix,
	}, s.log)
	if err != nil {
		return nil, err
	}

	enc := audio.NewEncoder(
		audio.WithWAVEncoding(audio.WAVEncoding(cfg.Audio.WAVEncoding)),
		audio.WithCodec(audio.FFmpegCodec{Path: cfg.Audio.FFmpegPath, MP3Bitrate: cfg.Audio.MP3Bitrate}),
		audio.WithStreamChunkSamples(cfg.Audio.StreamChunkSamples),
	)

	orch, err := generate.New(c.gateway, st, enc, generate.Options{
		TempDir:        cfg.Storage.TempPath(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RetainUploads:  cfg.Storage.RetainUploadedReferences,
		Ledger:         c.ledger,
		Events:         c.events,
		Logger:         s.log,
	})
	if err != nil {
		return nil, err
	}

	c.handler = NewHandler(Deps{
		Model:     c.gateway,
		Generator: orch,
		Store:     st,
		Ledger:    c.ledger,
		Events:    c.events,
		Metrics:   c.telemetry.MetricsHandler,
	},
		WithBasePath(cfg.Server.BasePath),
		WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		WithCORSOrigins(cfg.Server.CORSAllowOrigins),
		WithDevice(cfg.Engine.Device),
		WithLogger(s.log),
	)
	return c, nil
}

func (c *components) close(ctx context.Context, log *slog.Logger) {
	if c.gateway != nil {
		if err := c.gateway.Close(ctx); err != nil {
			log.Warn("close gateway", slog.String("error", err.Error()))
		}
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil {
			log.Warn("close ledger", slog.String("error", err.Error()))
		}
	}
	if c.events != nil {
		c.events.Close()
	}
	if c.telemetry != nil {
		if err := c.telemetry.Shutdown(ctx); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
}

// Start serves until ctx is cancelled. The engine loads in the background
// so /health can report "loading" meanwhile.
func (s *Server) Start(ctx context.Context) error {
	c, err := s.build(ctx)
	if err != nil {
		return err
	}

	loadCtx, cancelLoad := context.WithCancel(ctx)
	defer cancelLoad()
	go func() {
		lctx := loadCtx
		if s.cfg.Engine.LoadTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, s.cfg.Engine.LoadTimeout)
			defer cancel()
		}
		_ = c.gateway.Start(lctx)
	}()

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           c.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", slog.String("addr", s.cfg.Server.ListenAddr), slog.String("base_path", s.cfg.Server.BasePath))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		c.close(shutdownCtx, s.log)
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		cancelLoad()
		c.close(context.Background(), s.log)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks GET /health on addr, honouring an optional base path.
func ProbeHTTP(addr, basePath string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + basePath + "/health")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
