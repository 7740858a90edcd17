package server

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/params"
)

// artifactHeader names the stored artifact in the trailer of a streamed
// response. It can differ from the announced filename after a collision.
const artifactHeader = "X-Artifact-Filename"

type generateJSONResponse struct {
	Success     bool          `json:"success"`
	AudioBase64 string        `json:"audio_base64"`
	SampleRate  int           `json:"sample_rate"`
	Format      string        `json:"format"`
	Text        string        `json:"text"`
	Parameters  params.Params `json:"parameters"`
	Filename    string        `json:"filename"`
}

func contentDisposition(kind, filename string) string {
	return mime.FormatMediaType(kind, map[string]string{"filename": filename})
}

// decode parses the form and builds the request. The returned cleanup
// must always be called.
func (h *handler) decode(w http.ResponseWriter, r *http.Request) (generate.Request, func(), error) {
	f, err := h.readForm(w, r)
	if err != nil {
		return generate.Request{}, func() {}, err
	}
	req, closeUpload, err := generateRequest(f)
	if err != nil {
		f.Close()
		return generate.Request{}, func() {}, err
	}
	return req, func() {
		closeUpload()
		f.Close()
	}, nil
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := h.decode(w, r)
	defer cleanup()
	if err != nil {
		h.fail(w, r, "generate", err)
		return
	}

	res, err := h.deps.Generator.Generate(r.Context(), req, generate.ModeFile)
	if err != nil {
		h.fail(w, r, "generate", err)
		return
	}

	w.Header().Set("Content-Type", res.Format.ContentType())
	w.Header().Set("Content-Disposition", contentDisposition("attachment", res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (h *handler) handleGenerateJSON(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := h.decode(w, r)
	defer cleanup()
	if err != nil {
		h.fail(w, r, "generate_json", err)
		return
	}

	res, err := h.deps.Generator.Generate(r.Context(), req, generate.ModeJSON)
	if err != nil {
		h.fail(w, r, "generate_json", err)
		return
	}

	writeJSON(w, http.StatusOK, generateJSONResponse{
		Success:     true,
		AudioBase64: base64.StdEncoding.EncodeToString(res.Data),
		SampleRate:  res.SampleRate,
		Format:      string(res.Format),
		Text:        res.Text,
		Parameters:  res.Params,
		Filename:    res.Filename,
	})
}

func (h *handler) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := h.decode(w, r)
	defer cleanup()
	if err != nil {
		h.fail(w, r, "generate_stream", err)
		return
	}

	s, err := h.deps.Generator.Stream(r.Context(), req)
	if err != nil {
		h.fail(w, r, "generate_stream", err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", s.ContentType())
	hdr.Set("Content-Disposition", contentDisposition("inline", s.Filename))
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Trailer", artifactHeader)
	w.WriteHeader(http.StatusOK)

	err = s.Pipe(r.Context(), &flushWriter{w: w, rc: http.NewResponseController(w)})
	if s.Stored != "" {
		hdr.Set(artifactHeader, s.Stored)
	}
	if err == nil {
		return
	}
	if s.Stored != "" {
		// Only the client went away; the artifact is complete.
		h.log.InfoContext(r.Context(), "stream client disconnected",
			slog.String("filename", s.Stored),
			slog.String("error", err.Error()),
		)
		return
	}
	h.log.ErrorContext(r.Context(), "stream failed",
		slog.String("filename", s.Filename),
		slog.String("error", err.Error()),
	)
	// Headers are already sent. Abort so the client sees a truncated body.
	panic(http.ErrAbortHandler)
}

// flushWriter pushes every chunk to the client as it is written.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
