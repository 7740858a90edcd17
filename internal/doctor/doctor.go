// Package doctor provides environment preflight checks for the chatterbox
// server.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Endpoint is a network dependency probed by Run.
type Endpoint struct {
	Name  string
	Probe func() error
}

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Worker resolves the inference worker executable (exec engine).
	Worker VersionFunc
	// SkipWorker skips the worker check (http and tone engines).
	SkipWorker bool
	// PythonVersion returns the Python version string (e.g. "3.11.4").
	PythonVersion VersionFunc
	// SkipPython skips the Python version check.
	SkipPython bool
	// FFmpegVersion returns the first line of `ffmpeg -version`. A nil func
	// skips the check.
	FFmpegVersion VersionFunc
	// Dirs are storage directories that must exist or be creatable, and be
	// writable.
	Dirs []string
	// Endpoints are probed in order.
	Endpoints []Endpoint
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- inference worker -------------------------------------------------
	if cfg.SkipWorker || cfg.Worker == nil {
		fmt.Fprintf(w, "%s engine worker: skipped\n", PassMark)
	} else {
		path, err := cfg.Worker()
		if err != nil {
			res.fail(fmt.Sprintf("engine worker: %v", err))
			fmt.Fprintf(w, "%s engine worker: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s engine worker: %s\n", PassMark, path)
		}
	}

	// ---- Python version ---------------------------------------------------
	if cfg.SkipPython || cfg.PythonVersion == nil {
		fmt.Fprintf(w, "%s python version: skipped\n", PassMark)
	} else {
		pyVer, err := cfg.PythonVersion()
		if err != nil {
			res.fail(fmt.Sprintf("python version: %v", err))
			fmt.Fprintf(w, "%s python version: not found (%v)\n", FailMark, err)
		} else if pyErr := checkPythonVersion(pyVer); pyErr != nil {
			res.fail(fmt.Sprintf("python version: %v", pyErr))
			fmt.Fprintf(w, "%s python version %s: %v\n", FailMark, pyVer, pyErr)
		} else {
			fmt.Fprintf(w, "%s python version: %s\n", PassMark, pyVer)
		}
	}

	// ---- ffmpeg -----------------------------------------------------------
	if cfg.FFmpegVersion == nil {
		fmt.Fprintf(w, "%s ffmpeg: skipped\n", PassMark)
	} else {
		ver, err := cfg.FFmpegVersion()
		if err != nil {
			// MP3 output needs ffmpeg; WAV output does not.
			res.fail(fmt.Sprintf("ffmpeg: %v", err))
			fmt.Fprintf(w, "%s ffmpeg: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s ffmpeg: %s\n", PassMark, ver)
		}
	}

	// ---- storage directories ---------------------------------------------
	for _, dir := range cfg.Dirs {
		if err := checkWritable(dir); err != nil {
			res.fail(fmt.Sprintf("storage dir %q: %v", dir, err))
			fmt.Fprintf(w, "%s storage dir %s: %v\n", FailMark, dir, err)
		} else {
			fmt.Fprintf(w, "%s storage dir: %s\n", PassMark, dir)
		}
	}

	// ---- endpoints --------------------------------------------------------
	for _, ep := range cfg.Endpoints {
		if err := ep.Probe(); err != nil {
			res.fail(fmt.Sprintf("%s: %v", ep.Name, err))
			fmt.Fprintf(w, "%s %s: unreachable (%v)\n", FailMark, ep.Name, err)
		} else {
			fmt.Fprintf(w, "%s %s: ok\n", PassMark, ep.Name)
		}
	}

	return res
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// checkPythonVersion returns an error if ver is outside [3.10, 3.15).
// ver is expected to be a string like "3.11.4".
func checkPythonVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 3 {
		return fmt.Errorf("requires Python 3, got %d", major)
	}
	if minor < 10 {
		return fmt.Errorf("requires Python >=3.10, got 3.%d", minor)
	}
	if minor >= 15 {
		return fmt.Errorf("requires Python <3.15, got 3.%d", minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(strings.TrimPrefix(strings.TrimSpace(ver), "Python "), ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
