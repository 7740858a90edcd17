package generate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/example/chatterbox-api/internal/params"
)

// FieldReferenceAudio and FieldReferenceAudioFile name the two ways a
// request can supply a voice.
const (
	FieldReferenceAudio     = "reference_audio"
	FieldReferenceAudioFile = "reference_audio_file"
	FieldOutputFormat       = "output_format"
)

// UploadExtensions are the accepted reference audio file types.
var UploadExtensions = []string{".wav", ".mp3", ".flac", ".m4a", ".ogg", ".aac"}

// Upload is reference audio sent with the request.
type Upload struct {
	Filename string
	Body     io.Reader
}

// CheckUploadName validates the extension of an uploaded file name.
func CheckUploadName(field, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if strings.TrimSpace(name) == "" || !slices.Contains(UploadExtensions, ext) {
		return "", params.Invalid(field, fmt.Sprintf("%q", name), "a file with extension "+strings.Join(UploadExtensions, ", "))
	}
	return ext, nil
}

// ReadUpload reads an upload body, enforcing a non-empty payload of at most
// limit bytes.
func ReadUpload(field string, r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	switch {
	case len(data) == 0:
		return nil, params.Invalid(field, "empty file", "non-empty audio")
	case int64(len(data)) > limit:
		return nil, params.Invalid(field, fmt.Sprintf("more than %d bytes", limit), fmt.Sprintf("at most %d bytes", limit))
	}
	return data, nil
}

// tempHandle is reference audio materialized on disk for the duration of
// one request. Release is idempotent.
type tempHandle struct {
	path string
	data []byte
}

func materialize(dir, ext string, data []byte) (*tempHandle, error) {
	f, err := os.OpenFile(filepath.Join(dir, uuid.NewString()+ext), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp reference: %w", err)
	}
	h := &tempHandle{path: f.Name(), data: data}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = h.Release()
		return nil, fmt.Errorf("write temp reference: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = h.Release()
		return nil, fmt.Errorf("close temp reference: %w", err)
	}
	return h, nil
}

func (h *tempHandle) Release() error {
	if h == nil || h.path == "" {
		return nil
	}
	err := os.Remove(h.path)
	h.path = ""
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
