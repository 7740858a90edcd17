// Package engine defines the contract of the text-to-speech inference engine
// and the adapters the service can run against.
//
// An Engine is expensive to load and is not assumed to be safe for
// concurrent Synthesize calls; callers reach it only through the gateway.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/params"
)

// Engine kinds accepted by New.
const (
	KindExec = "exec"
	KindHTTP = "http"
	KindTone = "tone"
)

// Info describes a loaded engine.
type Info struct {
	SampleRate int    `json:"sample_rate"`
	Device     string `json:"device"`
	ModelType  string `json:"model_type"`
}

// Reference is voice-cloning audio. Path points at a file that stays valid
// for the duration of the Synthesize call; Data holds the same bytes.
type Reference struct {
	Path string
	Data []byte
}

// Request is a single synthesis job.
type Request struct {
	Text      string
	Reference *Reference
	Params    params.Params
}

// Engine synthesizes speech.
type Engine interface {
	Load(ctx context.Context) (Info, error)
	Synthesize(ctx context.Context, req Request) (audio.Waveform, error)
	Close() error
}

// Options selects and configures an adapter.
type Options struct {
	Kind string
	// Command is the worker command line for KindExec.
	Command string
	// URL is the base URL of a remote worker for KindHTTP.
	URL string
	// Device is passed to the worker and reported by the tone engine.
	Device string
	// HTTPClient overrides the client used by KindHTTP.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NormalizeKind validates an engine kind. Empty means KindExec.
func NormalizeKind(kind string) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "":
		return KindExec, nil
	case KindExec, KindHTTP, KindTone:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported engine kind %q (want %s|%s|%s)", kind, KindExec, KindHTTP, KindTone)
	}
}

// New builds the adapter named by opts.Kind. Nothing is started until Load.
func New(opts Options) (Engine, error) {
	kind, err := NormalizeKind(opts.Kind)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch kind {
	case KindHTTP:
		if opts.URL == "" {
			return nil, fmt.Errorf("engine.url is required for the %s engine", KindHTTP)
		}
		client := opts.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Minute}
		}
		return NewHTTP(opts.URL, client), nil
	case KindTone:
		return NewTone(opts.Device), nil
	default:
		return NewExec(opts.Command, opts.Device, logger)
	}
}
