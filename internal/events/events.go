// Package events announces artifact changes on NATS. Publishing is fire and
// forget: failures are logged and never reach the request that caused them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subject suffixes appended to Options.SubjectPrefix.
const (
	SubjectGenerationCompleted = "generation.completed"
	SubjectArtifactDeleted     = "artifact.deleted"
	SubjectReferenceUploaded   = "reference.uploaded"
)

const DefaultSubjectPrefix = "chatterbox"

type Options struct {
	// URL is a comma separated list of NATS servers. Empty disables
	// publishing.
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// Generation is published after an artifact has been generated and stored.
type Generation struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Mode       string    `json:"mode"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sample_rate"`
	DurationMS int64     `json:"duration_ms"`
	Size       int64     `json:"size"`
	TextChars  int       `json:"text_chars"`
	Seed       int64     `json:"seed"`
	Reference  string    `json:"reference,omitempty"`
	At         time.Time `json:"at"`
}

// Deletion is published after an artifact has been removed.
type Deletion struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Filename   string    `json:"filename"`
	At         time.Time `json:"at"`
}

// Upload is published after a reference voice has been stored.
type Upload struct {
	ID       string    `json:"id"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	At       time.Time `json:"at"`
}

// Publisher is safe for concurrent use. The zero value and Nop publish
// nothing.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Nop returns a publisher that drops every event.
func Nop() *Publisher {
	return &Publisher{log: slog.New(slog.DiscardHandler)}
}

func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return &Publisher{log: log}, nil
	}
	prefix := strings.Trim(opts.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	conn, err := nats.Connect(url,
		nats.Name("chatterbox-api"),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url), slog.String("prefix", prefix))
	return &Publisher{conn: conn, prefix: prefix, log: log}, nil
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

func (p *Publisher) Healthy() bool {
	return p.Enabled() && p.conn.Status() == nats.CONNECTED
}

func (p *Publisher) GenerationCompleted(ctx context.Context, g Generation) {
	g.ID, g.At = stamp(g.ID, g.At)
	p.publish(ctx, SubjectGenerationCompleted, g.ID, g)
}

func (p *Publisher) ArtifactDeleted(ctx context.Context, d Deletion) {
	d.ID, d.At = stamp(d.ID, d.At)
	p.publish(ctx, SubjectArtifactDeleted, d.ID, d)
}

func (p *Publisher) ReferenceUploaded(ctx context.Context, u Upload) {
	u.ID, u.At = stamp(u.ID, u.At)
	p.publish(ctx, SubjectReferenceUploaded, u.ID, u)
}

func stamp(id string, at time.Time) (string, time.Time) {
	if id == "" {
		id = uuid.NewString()
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return id, at
}

func (p *Publisher) publish(ctx context.Context, suffix, id string, v any) {
	if !p.Enabled() {
		return
	}
	subject := p.prefix + "." + suffix

	data, err := json.Marshal(v)
	if err != nil {
		p.log.ErrorContext(ctx, "encode event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data
	if err := p.conn.PublishMsg(msg); err != nil {
		p.log.WarnContext(ctx, "publish event failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	p.log.DebugContext(ctx, "event published", slog.String("subject", subject), slog.String("id", id))
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() {
	if !p.Enabled() {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("nats drain", slog.String("error", err.Error()))
		p.conn.Close()
	}
}
