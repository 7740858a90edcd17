package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/events"
	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/ledger"
	"github.com/example/chatterbox-api/internal/store"
)

const fieldUploadFile = "file"

type referenceFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type outputFile struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type outputInfo struct {
	ledger.Entry
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (h *handler) handleReferenceList(w http.ResponseWriter, r *http.Request) {
	arts, err := h.deps.Store.List(store.Reference)
	if err != nil {
		h.fail(w, r, "reference_list", err)
		return
	}
	files := make([]referenceFile, 0, len(arts))
	for _, a := range arts {
		files = append(files, referenceFile{Filename: a.Filename, Size: a.Size})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reference_files": files})
}

func (h *handler) handleReferenceUpload(w http.ResponseWriter, r *http.Request) {
	f, err := h.readForm(w, r)
	if err != nil {
		h.fail(w, r, "reference_upload", err)
		return
	}
	defer f.Close()

	fh := f.file(fieldUploadFile)
	if fh == nil {
		h.fail(w, r, "reference_upload", errFieldRequired(fieldUploadFile))
		return
	}
	if _, err := generate.CheckUploadName(fieldUploadFile, fh.Filename); err != nil {
		h.fail(w, r, "reference_upload", err)
		return
	}
	file, err := fh.Open()
	if err != nil {
		h.fail(w, r, "reference_upload", err)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := generate.ReadUpload(fieldUploadFile, file, h.opts.maxUploadBytes)
	if err != nil {
		h.fail(w, r, "reference_upload", err)
		return
	}
	name, err := h.deps.Store.Put(store.Reference, fh.Filename, data)
	if err != nil {
		h.fail(w, r, "reference_upload", err)
		return
	}

	h.deps.Events.ReferenceUploaded(r.Context(), events.Upload{Filename: name, Size: int64(len(data))})
	h.log.InfoContext(r.Context(), "reference uploaded",
		slog.String("filename", name),
		slog.Int("bytes", len(data)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": name,
		"size":     len(data),
	})
}

func (h *handler) handleReferenceDelete(w http.ResponseWriter, r *http.Request) {
	h.deleteArtifact(w, r, store.Reference, "reference_delete")
}

func (h *handler) handleOutputList(w http.ResponseWriter, r *http.Request) {
	arts, err := h.deps.Store.List(store.Generated)
	if err != nil {
		h.fail(w, r, "output_list", err)
		return
	}
	files := make([]outputFile, 0, len(arts))
	for _, a := range arts {
		files = append(files, outputFile{Filename: a.Filename, Size: a.Size, Modified: a.Modified.UTC()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"output_files": files,
		"count":        len(files),
	})
}

func (h *handler) handleOutputDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := h.deps.Store.Get(store.Generated, name)
	if err != nil {
		h.fail(w, r, "output_download", err)
		return
	}
	w.Header().Set("Content-Type", audio.ContentTypeForFile(name))
	w.Header().Set("Content-Disposition", contentDisposition("attachment", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) handleOutputInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	art, err := h.deps.Store.Stat(store.Generated, name)
	if err != nil {
		h.fail(w, r, "output_info", err)
		return
	}

	info := outputInfo{Entry: ledger.Entry{Filename: name}, Size: art.Size, Modified: art.Modified.UTC()}
	if h.deps.Ledger != nil {
		e, err := h.deps.Ledger.Lookup(r.Context(), name)
		switch {
		case err == nil:
			info.Entry = e
		case !errors.Is(err, ledger.ErrNotFound):
			h.fail(w, r, "output_info", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) handleOutputDelete(w http.ResponseWriter, r *http.Request) {
	h.deleteArtifact(w, r, store.Generated, "output_delete")
}

func (h *handler) deleteArtifact(w http.ResponseWriter, r *http.Request, c store.Collection, op string) {
	name := r.PathValue("name")
	if err := h.deps.Store.Delete(c, name); err != nil {
		h.fail(w, r, op, err)
		return
	}

	if c == store.Generated && h.deps.Ledger != nil {
		if err := h.deps.Ledger.Forget(r.Context(), name); err != nil {
			h.log.WarnContext(r.Context(), "ledger forget failed",
				slog.String("filename", name),
				slog.String("error", err.Error()),
			)
		}
	}
	h.deps.Events.ArtifactDeleted(r.Context(), events.Deletion{Collection: string(c), Filename: name})
	h.log.InfoContext(r.Context(), "artifact deleted",
		slog.String("collection", string(c)),
		slog.String("filename", name),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Deleted " + name,
	})
}
