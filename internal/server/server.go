package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/events"
	"github.com/example/chatterbox-api/internal/gateway"
	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/ledger"
	"github.com/example/chatterbox-api/internal/store"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Model reports the state of the inference engine.
type Model interface {
	State() gateway.State
	Info() (engine.Info, error)
}

// Generator runs generation requests.
type Generator interface {
	Generate(ctx context.Context, req generate.Request, mode generate.Mode) (*generate.Result, error)
	Stream(ctx context.Context, req generate.Request) (*generate.Stream, error)
}

// Deps are the components behind the routes. Ledger, Events and Metrics
// are optional.
type Deps struct {
	Model     Model
	Generator Generator
	Store     *store.Store
	Ledger    *ledger.Ledger
	Events    *events.Publisher
	Metrics   http.Handler
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	basePath       string
	maxUploadBytes int64
	corsOrigins    []string
	device         string
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxUploadBytes: generate.DefaultMaxUploadBytes,
		corsOrigins:    []string{"*"},
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithBasePath mounts every route under prefix, e.g. "/api".
func WithBasePath(prefix string) Option {
	return func(o *options) { o.basePath = strings.TrimRight(prefix, "/") }
}

// WithMaxUploadBytes caps uploaded reference audio. Request bodies may
// exceed it by the size of the other form fields.
func WithMaxUploadBytes(n int64) Option {
	return func(o *options) { o.maxUploadBytes = n }
}

// WithCORSOrigins sets the allowed origins. "*" allows any origin and an
// empty list disables CORS headers.
func WithCORSOrigins(origins []string) Option {
	return func(o *options) { o.corsOrigins = origins }
}

// WithDevice sets the device reported before the engine has loaded.
func WithDevice(device string) Option {
	return func(o *options) { o.device = device }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	deps Deps
	opts options
	log  *slog.Logger
}

// NewHandler returns the http.Handler serving the whole API.
func NewHandler(deps Deps, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if deps.Events == nil {
		deps.Events = events.Nop()
	}

	h := &handler{deps: deps, opts: opts, log: opts.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /model/info", h.handleModelInfo)

	mux.HandleFunc("POST /generate", h.handleGenerate)
	mux.HandleFunc("POST /generate/stream", h.handleGenerateStream)
	mux.HandleFunc("POST /generate/json", h.handleGenerateJSON)

	mux.HandleFunc("GET /reference-audio/list", h.handleReferenceList)
	mux.HandleFunc("POST /reference-audio/upload", h.handleReferenceUpload)
	mux.HandleFunc("DELETE /reference-audio/delete/{name}", h.handleReferenceDelete)

	mux.HandleFunc("GET /output-audio/list", h.handleOutputList)
	mux.HandleFunc("GET /output-audio/download/{name}", h.handleOutputDownload)
	mux.HandleFunc("GET /output-audio/info/{name}", h.handleOutputInfo)
	mux.HandleFunc("DELETE /output-audio/delete/{name}", h.handleOutputDelete)

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	var root http.Handler = mux
	if opts.basePath != "" {
		outer := http.NewServeMux()
		outer.Handle(opts.basePath+"/", http.StripPrefix(opts.basePath, mux))
		root = outer
	}

	return withCORS(opts.corsOrigins, withRequestLog(h.log, withRecovery(h.log, root)))
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// device prefers what the engine reports over the configured hint.
func (h *handler) device() string {
	if info, err := h.deps.Model.Info(); err == nil && info.Device != "" {
		return info.Device
	}
	return h.opts.device
}

func (h *handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	p := h.opts.basePath
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Chatterbox TTS API",
		"version": buildVersion(),
		"device":  h.device(),
		"endpoints": map[string]string{
			"generate":        p + "/generate - Generate TTS audio",
			"generate_stream": p + "/generate/stream - Generate and stream TTS audio",
			"generate_json":   p + "/generate/json - Generate TTS audio as base64 JSON",
			"reference_audio": p + "/reference-audio/list - Reference voice library",
			"output_audio":    p + "/output-audio/list - Generated audio library",
			"health":          p + "/health - Health check",
			"model_info":      p + "/model/info - Model information",
		},
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := h.deps.Model.State()

	status, code := "unavailable", http.StatusServiceUnavailable
	switch state {
	case gateway.StateReady:
		status, code = "healthy", http.StatusOK
	case gateway.StateLoading:
		status = "loading"
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"device":       h.device(),
		"model_loaded": state == gateway.StateReady,
		"version":      buildVersion(),
	})
}

func (h *handler) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	info, err := h.deps.Model.Info()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
