package doctor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/chatterbox-api/internal/doctor"
)

func worker() (string, error)   { return "/usr/bin/python", nil }
func python() (string, error)   { return "3.11.4", nil }
func ffmpeg() (string, error)   { return "ffmpeg version 6.1", nil }
func noFFmpeg() (string, error) { return "", errBinaryNotFound }

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	cfg := doctor.Config{
		Worker:        worker,
		PythonVersion: python,
		FFmpegVersion: ffmpeg,
		Dirs:          []string{t.TempDir()},
		Endpoints: []doctor.Endpoint{
			{Name: "nats", Probe: func() error { return nil }},
		},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	body := out.String()
	for _, want := range []string{"engine worker: /usr/bin/python", "ffmpeg version 6.1", "nats: ok"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

// ---------------------------------------------------------------------------
// worker binary missing
// ---------------------------------------------------------------------------

func TestRun_WorkerMissingFails(t *testing.T) {
	cfg := doctor.Config{
		Worker:        func() (string, error) { return "", errBinaryNotFound },
		PythonVersion: python,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when the worker is not found")
	}

	if !hasFailureContaining(result.Failures(), "engine worker") {
		t.Errorf("expected failure mentioning engine worker, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// Python version out of range
// ---------------------------------------------------------------------------

func TestRun_PythonTooOldFails(t *testing.T) {
	cfg := doctor.Config{
		Worker:        worker,
		PythonVersion: func() (string, error) { return "3.9.7", nil },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for Python 3.9 (< 3.10)")
	}

	if !hasFailureContaining(result.Failures(), "python") {
		t.Errorf("expected failure mentioning python, got: %v", result.Failures())
	}
}

func TestRun_PythonTooNewFails(t *testing.T) {
	cfg := doctor.Config{
		Worker:        worker,
		PythonVersion: func() (string, error) { return "3.15.0", nil },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for Python 3.15 (>= 3.15)")
	}
}

func TestRun_PythonInRangePasses(t *testing.T) {
	for _, ver := range []string{"3.10.0", "3.11.9", "3.12.0", "3.14.1"} {
		t.Run(ver, func(t *testing.T) {
			cfg := doctor.Config{
				Worker:        worker,
				PythonVersion: func() (string, error) { return ver, nil },
			}
			var out strings.Builder

			result := doctor.Run(cfg, &out)
			if result.Failed() {
				t.Errorf("Python %s should pass but got failures: %v", ver, result.Failures())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ffmpeg
// ---------------------------------------------------------------------------

func TestRun_FFmpegMissingFails(t *testing.T) {
	cfg := doctor.Config{
		SkipWorker:    true,
		SkipPython:    true,
		FFmpegVersion: noFFmpeg,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "ffmpeg") {
		t.Errorf("expected failure mentioning ffmpeg, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// storage directories
// ---------------------------------------------------------------------------

func TestRun_StorageDirCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "outputs")
	cfg := doctor.Config{
		SkipWorker: true,
		SkipPython: true,
		Dirs:       []string{dir},
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Fatalf("expected pass; failures: %v", result.Failures())
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("storage dir not created: %v", err)
	}
}

func TestRun_StorageDirBlockedFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := doctor.Config{
		SkipWorker: true,
		SkipPython: true,
		Dirs:       []string{filepath.Join(file, "outputs")},
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !hasFailureContaining(result.Failures(), "storage dir") {
		t.Errorf("expected failure mentioning storage dir, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestRun_EndpointUnreachableFails(t *testing.T) {
	cfg := doctor.Config{
		SkipWorker: true,
		SkipPython: true,
		Endpoints: []doctor.Endpoint{
			{Name: "engine worker endpoint", Probe: func() error { return sentinelError("connection refused") }},
		},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "connection refused") {
		t.Errorf("expected probe error in failures, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "unreachable") {
		t.Errorf("output should report unreachable endpoint:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// output markers
// ---------------------------------------------------------------------------

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		Worker:        func() (string, error) { return "", errBinaryNotFound },
		PythonVersion: python,
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) {
		t.Errorf("output missing pass marker %q:\n%s", doctor.PassMark, body)
	}

	if !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output missing fail marker %q:\n%s", doctor.FailMark, body)
	}
}

func TestRun_SkipRuntimeChecks(t *testing.T) {
	cfg := doctor.Config{
		SkipWorker: true,
		SkipPython: true,
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Fatalf("expected no failures when runtime checks are skipped, got: %v", result.Failures())
	}

	body := out.String()
	for _, want := range []string{"engine worker: skipped", "python version: skipped", "ffmpeg: skipped"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, body)
		}
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	r.AddFailure("outside check")

	if !r.Failed() {
		t.Fatal("AddFailure should mark the result failed")
	}

	got := r.Failures()
	got[0] = "mutated"

	if r.Failures()[0] != "outside check" {
		t.Fatal("Failures should return a copy")
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errBinaryNotFound = sentinelError("binary not found")

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}
