// Package testutil provides shared skip helpers and assertions for tests.
//
// Each Require helper calls t.Skipf with a clear human-readable reason when
// the named prerequisite is absent, so tests that need external tools remain
// runnable in partial environments without failing noisily.
//
// Typical usage:
//
//	func TestMP3RoundTrip(t *testing.T) {
//	    testutil.RequireFFmpeg(t)
//	    codec := audio.FFmpegCodec{Path: testutil.FFmpegPath()}
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// FFmpegPath returns the ffmpeg executable tests should use: the value of
// CHATTERBOX_AUDIO_FFMPEG_PATH if set, otherwise "ffmpeg".
func FFmpegPath() string {
	if p := os.Getenv("CHATTERBOX_AUDIO_FFMPEG_PATH"); p != "" {
		return p
	}
	return "ffmpeg"
}

// RequireFFmpeg skips the test if ffmpeg cannot be found.
func RequireFFmpeg(tb testing.TB) {
	tb.Helper()

	exe := FFmpegPath()
	if _, err := exec.LookPath(exe); err != nil {
		tb.Skipf("ffmpeg not available (%q not in PATH); set CHATTERBOX_AUDIO_FFMPEG_PATH to override", exe)
	}
}

// AssertEmptyDir fails the test if dir contains any entry. A missing
// directory counts as empty.
func AssertEmptyDir(tb testing.TB, dir string) {
	tb.Helper()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		tb.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, filepath.Join(dir, e.Name()))
		}
		tb.Fatalf("expected %s to be empty, found %v", dir, names)
	}
}
