package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()

	return out.String(), err
}

func TestRefs_AddListRemove(t *testing.T) {
	dataDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "My Voice.wav")
	if err := os.WriteFile(src, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runRoot(t, "--storage-data-dir", dataDir, "--log-level", "error", "refs", "add", src)
	if err != nil {
		t.Fatalf("refs add: %v", err)
	}

	if strings.TrimSpace(out) != "My_Voice.wav" {
		t.Errorf("refs add printed %q; want My_Voice.wav", out)
	}

	out, err = runRoot(t, "--storage-data-dir", dataDir, "refs", "list")
	if err != nil {
		t.Fatalf("refs list: %v", err)
	}

	if !strings.Contains(out, "FILENAME") || !strings.Contains(out, "My_Voice.wav") {
		t.Errorf("refs list output = %q", out)
	}

	if _, err := runRoot(t, "--storage-data-dir", dataDir, "refs", "rm", "My_Voice.wav"); err != nil {
		t.Fatalf("refs rm: %v", err)
	}

	if _, err := runRoot(t, "--storage-data-dir", dataDir, "refs", "rm", "My_Voice.wav"); err == nil {
		t.Fatal("second refs rm should report not found")
	}
}

func TestRefsAdd_RejectsUnsupportedExtension(t *testing.T) {
	src := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runRoot(t, "--storage-data-dir", t.TempDir(), "refs", "add", src); err == nil {
		t.Fatal("expected error for .txt reference")
	}
}

func TestHealth_ClosedPortFails(t *testing.T) {
	if _, err := runRoot(t, "health", "--addr", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error probing a closed port")
	}
}
