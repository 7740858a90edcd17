package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/gateway"
	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/ledger"
	"github.com/example/chatterbox-api/internal/server"
	"github.com/example/chatterbox-api/internal/store"
)

const stubSampleRate = 24000

// stubEngine records how many calls are inside Synthesize at once.
type stubEngine struct {
	delay time.Duration
	err   error

	calls    atomic.Int64
	mu       sync.Mutex
	inFlight int
	peak     int
	refs     [][]byte
}

func (e *stubEngine) Load(context.Context) (engine.Info, error) {
	return engine.Info{SampleRate: stubSampleRate, Device: "cpu", ModelType: "ChatterboxTTS"}, nil
}

func (e *stubEngine) Synthesize(ctx context.Context, req engine.Request) (audio.Waveform, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.inFlight++
	e.peak = max(e.peak, e.inFlight)
	if req.Reference != nil {
		e.refs = append(e.refs, req.Reference.Data)
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return audio.Waveform{}, ctx.Err()
		}
	}
	if e.err != nil {
		return audio.Waveform{}, e.err
	}

	samples := make([]float32, stubSampleRate/10)
	for i := range samples {
		samples[i] = float32(0.25 * math.Sin(2*math.Pi*220*float64(i)/stubSampleRate))
	}
	return audio.Waveform{Samples: samples, SampleRate: stubSampleRate}, nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) peakConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

type envOptions struct {
	engine         engine.Engine
	concurrency    int
	requestTimeout time.Duration
	maxUploadBytes int64
	skipStart      bool
	handlerOpts    []server.Option
}

// testEnv is the full request path with a stub engine behind it.
type testEnv struct {
	handler http.Handler
	store   *store.Store
	ledger  *ledger.Ledger
	tempDir string
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	if o.engine == nil {
		o.engine = &stubEngine{}
	}
	dir := t.TempDir()

	st, err := store.Open(store.Options{
		ReferenceDir: filepath.Join(dir, "reference_audio"),
		GeneratedDir: filepath.Join(dir, "outputs"),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	gw, err := gateway.New(o.engine, gateway.Options{
		Concurrency:    o.concurrency,
		RequestTimeout: o.requestTimeout,
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	if !o.skipStart {
		if err := gw.Start(context.Background()); err != nil {
			t.Fatalf("gateway.Start: %v", err)
		}
	}

	led, err := ledger.Open(context.Background(), ledger.Options{Path: filepath.Join(dir, "ledger.db")}, nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	tempDir := filepath.Join(dir, "tmp")
	orch, err := generate.New(gw, st, audio.NewEncoder(), generate.Options{
		TempDir:        tempDir,
		MaxUploadBytes: o.maxUploadBytes,
		Ledger:         led,
	})
	if err != nil {
		t.Fatalf("generate.New: %v", err)
	}

	opts := append([]server.Option{server.WithLogger(slog.New(slog.DiscardHandler))}, o.handlerOpts...)
	h := server.NewHandler(server.Deps{
		Model:     gw,
		Generator: orch,
		Store:     st,
		Ledger:    led,
	}, opts...)

	return &testEnv{handler: h, store: st, ledger: led, tempDir: tempDir}
}

type upload struct {
	field string
	name  string
	data  []byte
}

func multipartBody(fields map[string]string, files ...upload) (io.Reader, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	for _, f := range files {
		fw, _ := mw.CreateFormFile(f.field, f.name)
		_, _ = fw.Write(f.data)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) postMultipart(path string, fields map[string]string, files ...upload) *httptest.ResponseRecorder {
	body, contentType := multipartBody(fields, files...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postURLEncoded(path string, fields url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	decodeJSON(t, rec, &body)
	return body["detail"]
}

// fakeWAV is a small valid reference clip.
func fakeWAV(t *testing.T) []byte {
	t.Helper()

	data, err := audio.NewEncoder().Encode(context.Background(),
		audio.Waveform{Samples: make([]float32, 480), SampleRate: stubSampleRate}, audio.FormatWAV)
	if err != nil {
		t.Fatalf("encode reference: %v", err)
	}
	return data
}
