package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures a benchmark against POST {BaseURL}/generate.
type Options struct {
	BaseURL string
	Text    string
	// Reference names a voice in the server's reference library.
	Reference string
	// Fields are extra generation parameters, e.g. "seed" or "temperature".
	Fields      map[string]string
	Runs        int
	Concurrency int
	HTTPClient  *http.Client
}

// StatusError is a non-200 reply from the server.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Detail)
}

// Run issues opts.Runs generation requests, at most opts.Concurrency at a
// time, and returns one result per request in index order. The first
// failure cancels outstanding requests.
func Run(ctx context.Context, opts Options) ([]RunResult, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return nil, errors.New("text is required")
	}
	if opts.Runs < 1 {
		return nil, errors.New("runs must be at least 1")
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(opts.BaseURL, "/") + "/generate"
	form := requestForm(opts)

	results := make([]RunResult, opts.Runs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Concurrency))

	for i := range opts.Runs {
		g.Go(func() error {
			r, err := runOnce(gctx, client, endpoint, form)
			if err != nil {
				return fmt.Errorf("run %d failed: %w", i+1, err)
			}
			r.Index = i
			r.Cold = i == 0
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func requestForm(opts Options) string {
	form := url.Values{}
	for k, v := range opts.Fields {
		form.Set(k, v)
	}
	form.Set("text", opts.Text)
	form.Set("output_format", "wav")
	if opts.Reference != "" {
		form.Set("reference_audio_file", opts.Reference)
	}
	return form.Encode()
}

func runOnce(ctx context.Context, client *http.Client, endpoint, form string) (RunResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
	if err != nil {
		return RunResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return RunResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RunResult{}, fmt.Errorf("read response: %w", err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(body, &e)
		return RunResult{}, &StatusError{Code: resp.StatusCode, Detail: e.Detail}
	}

	audioDur, err := WAVDuration(body)
	if err != nil {
		return RunResult{}, fmt.Errorf("parse audio: %w", err)
	}

	var filename string
	if _, p, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = p["filename"]
	}

	return RunResult{
		Duration:    elapsed,
		WAVDuration: audioDur,
		RTF:         CalcRTF(elapsed, audioDur),
		Filename:    filename,
	}, nil
}
