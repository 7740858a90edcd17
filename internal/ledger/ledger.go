// Package ledger records how each generated artifact was produced.
//
// The ledger is metadata only; the audio itself lives in the artifact
// store. Losing the ledger never loses audio.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/chatterbox-api/internal/params"
)

var ErrNotFound = errors.New("ledger entry not found")

// Entry describes one generation.
type Entry struct {
	Filename   string        `json:"filename"`
	Mode       string        `json:"mode"`
	Format     string        `json:"format"`
	Text       string        `json:"text"`
	Params     params.Params `json:"parameters"`
	SampleRate int           `json:"sample_rate"`
	DurationMS int64         `json:"duration_ms"`
	// Reference is "upload:<name>", "library:<name>" or empty.
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Options struct {
	Path     string
	Disabled bool
}

// Ledger is backed by SQLite. A disabled ledger accepts every call and
// stores nothing.
type Ledger struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, opts Options, log *slog.Logger) (*Ledger, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.Disabled || opts.Path == "" {
		return &Ledger{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(opts.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Ledger{db: db, log: log, clock: time.Now}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	log.Info("generation ledger opened", slog.String("path", opts.Path))
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS generations (
    filename TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    format TEXT NOT NULL,
    text TEXT NOT NULL,
    params TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    reference TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether entries are persisted.
func (l *Ledger) Enabled() bool { return l.db != nil }

func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record stores e, replacing any entry with the same filename.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if l.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock()
	}
	p, err := json.Marshal(e.Params)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO generations(filename, mode, format, text, params, sample_rate, duration_ms, reference, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(filename) DO UPDATE SET
		   mode=excluded.mode, format=excluded.format, text=excluded.text, params=excluded.params,
		   sample_rate=excluded.sample_rate, duration_ms=excluded.duration_ms,
		   reference=excluded.reference, created_at=excluded.created_at`,
		e.Filename, e.Mode, e.Format, e.Text, string(p), e.SampleRate, e.DurationMS, e.Reference,
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record %q: %w", e.Filename, err)
	}
	return nil
}

func (l *Ledger) Lookup(ctx context.Context, filename string) (Entry, error) {
	if l.db == nil {
		return Entry{}, ErrNotFound
	}
	var (
		e       Entry
		p       string
		ref     sql.NullString
		created string
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT filename, mode, format, text, params, sample_rate, duration_ms, reference, created_at
		 FROM generations WHERE filename = ?`, filename).
		Scan(&e.Filename, &e.Mode, &e.Format, &e.Text, &p, &e.SampleRate, &e.DurationMS, &ref, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %q: %w", filename, err)
	}
	if err := json.Unmarshal([]byte(p), &e.Params); err != nil {
		return Entry{}, fmt.Errorf("lookup %q: params: %w", filename, err)
	}
	e.Reference = ref.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		e.CreatedAt = ts
	}
	return e, nil
}

// Forget removes the entry for filename if there is one.
func (l *Ledger) Forget(ctx context.Context, filename string) error {
	if l.db == nil {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM generations WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("forget %q: %w", filename, err)
	}
	return nil
}
