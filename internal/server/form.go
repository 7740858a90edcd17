package server

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/params"
)

const formOverhead = 1 << 20

// parsedForm is a decoded generation or upload form. Close removes any
// spill files created by the multipart parser.
type parsedForm struct {
	values map[string][]string
	files  map[string][]*multipart.FileHeader
	mf     *multipart.Form
}

func (f *parsedForm) Close() {
	if f.mf != nil {
		_ = f.mf.RemoveAll()
	}
}

func (f *parsedForm) value(field string) (string, bool) {
	vs, ok := f.values[field]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// file returns the first non-empty upload for field.
func (f *parsedForm) file(field string) *multipart.FileHeader {
	for _, fh := range f.files[field] {
		if fh.Filename != "" || fh.Size > 0 {
			return fh
		}
	}
	return nil
}

// readForm accepts multipart/form-data and application/x-www-form-urlencoded
// bodies of at most limit bytes plus room for the text fields. Any body
// within that bound is parsed in memory, so no spill file is written before
// the text is validated.
func (h *handler) readForm(w http.ResponseWriter, r *http.Request) (*parsedForm, error) {
	limit := formLimit(h.opts.maxUploadBytes)
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, formError(err)
		}
		return &parsedForm{values: r.MultipartForm.Value, files: r.MultipartForm.File, mf: r.MultipartForm}, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, formError(err)
	}
	return &parsedForm{values: r.PostForm}, nil
}

// formLimit bounds both the request body and the multipart memory budget.
func formLimit(maxUpload int64) int64 {
	return maxUpload + formOverhead
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return &params.ParseError{Field: "body", Value: strings.TrimSpace(err.Error()), Want: "form"}
}

// generateRequest builds an orchestrator request from a parsed form.
// The returned cleanup closes the uploaded file, if any.
func generateRequest(f *parsedForm) (generate.Request, func(), error) {
	text, ok := f.value(params.FieldText)
	if !ok {
		return generate.Request{}, func() {}, errFieldRequired(params.FieldText)
	}

	req := generate.Request{
		Text:   text,
		Fields: f.value,
	}
	req.Format, _ = f.value(generate.FieldOutputFormat)
	if name, ok := f.value(generate.FieldReferenceAudioFile); ok {
		req.ReferenceName = strings.TrimSpace(name)
	}

	fh := f.file(generate.FieldReferenceAudio)
	if fh == nil {
		return req, func() {}, nil
	}
	file, err := fh.Open()
	if err != nil {
		return generate.Request{}, func() {}, err
	}
	req.Upload = &generate.Upload{Filename: fh.Filename, Body: file}
	return req, func() { _ = file.Close() }, nil
}
