package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/config"
	"github.com/example/chatterbox-api/internal/engine"
	"github.com/example/chatterbox-api/internal/gateway"
	"github.com/example/chatterbox-api/internal/params"
	"github.com/example/chatterbox-api/internal/store"
)

var discard = slog.New(slog.DiscardHandler)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
			continue
		}

		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"invalid parameter", params.Invalid("temperature", "9", "[0.05, 5]"), http.StatusBadRequest, ""},
		{"parse error", &params.ParseError{Field: "seed", Value: "x", Want: "integer"}, http.StatusUnprocessableEntity, ""},
		{"missing field", errFieldRequired("text"), http.StatusUnprocessableEntity, "text: field required"},
		{"body too large", fmt.Errorf("read: %w", &http.MaxBytesError{Limit: 1}), http.StatusBadRequest, "request body too large"},
		{"not found", fmt.Errorf("reference %q: %w", "x.wav", store.ErrNotFound), http.StatusNotFound, ""},
		{"invalid name", fmt.Errorf("%w: %q", store.ErrInvalidName, "a b"), http.StatusBadRequest, ""},
		{"not ready", gateway.ErrModelNotReady, http.StatusServiceUnavailable, "Model not loaded"},
		{"timeout", gateway.ErrTimeout, http.StatusGatewayTimeout, "audio generation timed out"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "request cancelled"},
		{"encoding", &audio.EncodingError{Format: audio.FormatMP3, Err: errors.New("ffmpeg: exit 1")}, http.StatusInternalServerError, "audio encoding failed (mp3)"},
		{"inference", &gateway.InferenceError{Err: errors.New("segfault in kernel 7")}, http.StatusInternalServerError, "audio generation failed"},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := statusFor(tt.err)
			if status != tt.status {
				t.Errorf("status = %d; want %d", status, tt.status)
			}

			if tt.msg != "" && msg != tt.msg {
				t.Errorf("msg = %q; want %q", msg, tt.msg)
			}
		})
	}
}

// staticModel is a Model with a fixed state.
type staticModel struct{ state gateway.State }

func (m staticModel) State() gateway.State { return m.state }
func (m staticModel) Info() (engine.Info, error) {
	if m.state != gateway.StateReady {
		return engine.Info{}, gateway.ErrModelNotReady
	}
	return engine.Info{SampleRate: 24000, Device: "cuda"}, nil
}

func TestHealth_FailedEngineIsUnavailable(t *testing.T) {
	h := NewHandler(Deps{Model: staticModel{state: gateway.StateFailed}}, WithLogger(discard), WithDevice("cuda:0"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	if body["status"] != "unavailable" || body["device"] != "cuda:0" {
		t.Errorf("body = %v", body)
	}
}

func TestBasePath_MountsRoutesUnderPrefix(t *testing.T) {
	h := NewHandler(Deps{Model: staticModel{state: gateway.StateReady}}, WithLogger(discard), WithBasePath("/api/"))

	tests := []struct {
		path string
		want int
	}{
		{"/api/health", http.StatusOK},
		{"/api/", http.StatusOK},
		{"/health", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

		if rec.Code != tt.want {
			t.Errorf("GET %s = %d; want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("chatterbox_up 1\n"))
	})
	h := NewHandler(Deps{Model: staticModel{state: gateway.StateReady}, Metrics: metrics}, WithLogger(discard))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "chatterbox_up") {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_WildcardPreflight(t *testing.T) {
	h := withCORS([]string{"*"}, okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("want 204, got %d", rec.Code)
	}

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}

	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestCORS_AllowList(t *testing.T) {
	h := withCORS([]string{"https://ok.example"}, okHandler())

	tests := []struct {
		origin string
		want   string
	}{
		{"https://ok.example", "https://ok.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q; want %q", tt.origin, got, tt.want)
		}
	}
}

func TestCORS_DisabledWithEmptyList(t *testing.T) {
	h := withCORS(nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q; want none", got)
	}
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	h := withRecovery(discard, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), `"detail"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	h := withRecovery(discard, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v; want http.ErrAbortHandler", r)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRequestLog_WrittenWhenStreamAborts(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := withRequestLog(log, withRecovery(discard, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("RIFF"))
		panic(http.ErrAbortHandler)
	})))

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Fatalf("recovered %v; want http.ErrAbortHandler", r)
			}
		}()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/generate/stream", nil))
	}()

	var line struct {
		Msg     string `json:"msg"`
		Level   string `json:"level"`
		Path    string `json:"path"`
		Status  int    `json:"status"`
		Bytes   int64  `json:"bytes"`
		Aborted bool   `json:"aborted"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("request log = %q: %v", buf.String(), err)
	}
	if line.Msg != "http request" || line.Path != "/generate/stream" || line.Status != http.StatusOK || line.Bytes != 4 {
		t.Errorf("request log = %+v", line)
	}
	if !line.Aborted || line.Level != "WARN" {
		t.Errorf("aborted request logged as %+v; want aborted at WARN", line)
	}
}

// ---------------------------------------------------------------------------
// Forms
// ---------------------------------------------------------------------------

func TestFormLimit_CoversUploadCap(t *testing.T) {
	for _, maxUpload := range []int64{1024, 10 << 20, 64 << 20, 256 << 20} {
		if got := formLimit(maxUpload); got < maxUpload+formOverhead {
			t.Errorf("formLimit(%d) = %d; want at least %d", maxUpload, got, maxUpload+formOverhead)
		}
	}
}

func TestReadForm_LargeUploadStaysInMemory(t *testing.T) {
	const size = 33 << 20
	h := &handler{opts: options{maxUploadBytes: 64 << 20}}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("text", "hello")
	fw, err := mw.CreateFormFile("reference_audio", "voice.wav")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(make([]byte, size))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/generate", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	form, err := h.readForm(httptest.NewRecorder(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer form.Close()

	fh := form.file("reference_audio")
	if fh == nil || fh.Size != size {
		t.Fatalf("upload = %+v", fh)
	}
	f, err := fh.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if _, onDisk := f.(*os.File); onDisk {
		t.Error("upload within the cap was spilled to disk")
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func TestNew_ShutdownTimeout(t *testing.T) {
	cfg := config.DefaultConfig()

	if got := New(cfg, nil).shutdownTimeout; got != cfg.Server.ShutdownTimeout {
		t.Errorf("shutdownTimeout = %s; want %s", got, cfg.Server.ShutdownTimeout)
	}

	cfg.Server.ShutdownTimeout = 0
	if got := New(cfg, nil).shutdownTimeout; got != 30*time.Second {
		t.Errorf("zero config: shutdownTimeout = %s; want 30s", got)
	}

	if got := New(cfg, nil).WithShutdownTimeout(5 * time.Second).shutdownTimeout; got != 5*time.Second {
		t.Errorf("WithShutdownTimeout: %s", got)
	}
}

func TestProbeHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if err := ProbeHTTP(addr, "/api"); err != nil {
		t.Fatalf("ProbeHTTP: %v", err)
	}
}

func TestProbeHTTP_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := ProbeHTTP(strings.TrimPrefix(srv.URL, "http://"), ""); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestProbeHTTP_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if err := ProbeHTTP(addr, ""); err == nil {
		t.Fatal("expected connection error")
	}
}
