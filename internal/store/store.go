// Package store keeps audio artifacts in two flat directories, one for
// reference voices and one for generated output.
//
// Every write lands in a hidden temp file inside the target directory, is
// synced, and is then renamed into place, so List and Get never observe a
// partially written artifact. A name that is already taken is disambiguated
// as stem-1.ext, stem-2.ext, and so on; the final name is returned to the
// caller.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collection names one of the artifact directories.
type Collection string

const (
	Reference Collection = "reference"
	Generated Collection = "generated"
)

var (
	ErrNotFound          = errors.New("artifact not found")
	ErrInvalidName       = errors.New("invalid artifact name")
	ErrUnknownCollection = errors.New("unknown collection")
)

const tempPrefix = ".tmp-"

// Artifact describes a stored file.
type Artifact struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Options struct {
	ReferenceDir string
	GeneratedDir string
	Logger       *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	dirs   map[Collection]string
	locks  map[Collection]*sync.Mutex
	logger *slog.Logger
}

// Open creates both collection directories if needed and removes temp
// files left behind by an interrupted write.
func Open(opts Options) (*Store, error) {
	if opts.ReferenceDir == "" || opts.GeneratedDir == "" {
		return nil, errors.New("store: reference and generated directories are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{
		dirs: map[Collection]string{
			Reference: opts.ReferenceDir,
			Generated: opts.GeneratedDir,
		},
		locks: map[Collection]*sync.Mutex{
			Reference: {},
			Generated: {},
		},
		logger: logger,
	}

	for c, dir := range s.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s dir: %w", c, err)
		}
		if err := s.sweep(dir); err != nil {
			return nil, fmt.Errorf("store: sweep %s dir: %w", c, err)
		}
	}
	return s, nil
}

func (s *Store) sweep(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		s.logger.Info("removed stale temp file", "path", p)
	}
	return nil
}

// Dir returns the directory backing c.
func (s *Store) Dir(c Collection) (string, error) {
	dir, ok := s.dirs[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return dir, nil
}

// List returns the visible artifacts of c ordered by filename. An empty
// collection yields an empty, non-nil slice.
func (s *Store) List(c Collection) ([]Artifact, error) {
	dir, err := s.Dir(c)
	if err != nil {
		return nil, err
	}

	// os.ReadDir sorts by filename.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c, err)
	}

	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between ReadDir and Info.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", c, err)
		}
		out = append(out, Artifact{
			Filename: e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	return out, nil
}

// Put stores data under a sanitized form of name and returns the final
// filename.
func (s *Store) Put(c Collection, name string, data []byte) (string, error) {
	w, err := s.Create(c, name)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return "", err
	}
	return w.Commit()
}

// Get returns the content of an artifact. name must already be in
// sanitized form.
func (s *Store) Get(c Collection, name string) ([]byte, error) {
	p, err := s.path(c, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s %q: %w", c, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %q: %w", c, name, err)
	}
	return data, nil
}

// Stat describes a single artifact.
func (s *Store) Stat(c Collection, name string) (Artifact, error) {
	p, err := s.path(c, name)
	if err != nil {
		return Artifact{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return Artifact{}, fmt.Errorf("%s %q: %w", c, name, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("stat %s %q: %w", c, name, err)
	}
	return Artifact{Filename: name, Size: info.Size(), Modified: info.ModTime()}, nil
}

// Delete removes an artifact. Deleting a missing artifact reports
// ErrNotFound.
func (s *Store) Delete(c Collection, name string) error {
	p, err := s.path(c, name)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", c, name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", c, name, err)
	}
	return nil
}

func (s *Store) path(c Collection, name string) (string, error) {
	dir, err := s.Dir(c)
	if err != nil {
		return "", err
	}
	clean, err := Sanitize(name)
	if err != nil {
		return "", err
	}
	if clean != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

// Create opens a streaming write into c. Nothing becomes visible until
// Commit; Abort discards the bytes.
func (s *Store) Create(c Collection, name string) (*Writer, error) {
	dir, err := s.Dir(c)
	if err != nil {
		return nil, err
	}
	clean, err := Sanitize(name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, tempPrefix+uuid.NewString()), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", c, err)
	}
	return &Writer{store: s, coll: c, dir: dir, name: clean, f: f}, nil
}

// commit moves tmp to the first free variant of name.
func (s *Store) commit(c Collection, dir, tmp, name string) (string, error) {
	mu := s.locks[c]
	mu.Lock()
	defer mu.Unlock()

	final, err := freeName(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(dir, final)); err != nil {
		return "", fmt.Errorf("rename into %s: %w", c, err)
	}
	return final, nil
}

func freeName(dir, name string) (string, error) {
	candidate := name
	for i := 1; ; i++ {
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = Compose("", name, "-"+strconv.Itoa(i))
	}
}

// Writer streams bytes into a pending artifact.
type Writer struct {
	store *Store
	coll  Collection
	dir   string
	name  string
	f     *os.File
	done  bool
}

var _ io.Writer = (*Writer)(nil)

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

// Commit syncs the data, moves it into the collection and returns the
// final filename.
func (w *Writer) Commit() (string, error) {
	if w.done {
		return "", os.ErrClosed
	}
	w.done = true

	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync %s: %w", w.coll, err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", w.coll, err)
	}

	final, err := w.store.commit(w.coll, w.dir, tmp, w.name)
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return final, nil
}

// Abort discards the pending artifact. It is a no-op after Commit.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	closeErr := w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return closeErr
}
