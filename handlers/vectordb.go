package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/ingest"
)

const defaultMaxUploadBytes = 32 << 20

func (h *handler) createIndex(w http.ResponseWriter, r *http.Request) {
	var src ingest.Source
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&src); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	res, err := h.deps.Builder.Build(r.Context(), src)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": res.Message()})
}

// uploadIndex stores the uploaded file in the upload folder and indexes the
// folder as docs. The file is written only once the build lock is held, so
// a conflicting upload changes nothing on disk.
func (h *handler) uploadIndex(w http.ResponseWriter, r *http.Request) {
	limit := h.deps.Config.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		writeJSONError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if !ingest.Supported(name) {
		writeJSONError(w, http.StatusBadRequest, "unsupported file type: "+filepath.Ext(name))
		return
	}

	folder := h.deps.Config.UploadFolder
	_, err = h.deps.Builder.BuildWith(r.Context(), func(ctx context.Context) (ingest.Source, error) {
		if err := saveUpload(file, folder, name); err != nil {
			return ingest.Source{}, err
		}
		return ingest.Source{Type: ingest.SourceDocs, Path: folder}, nil
	})
	if err != nil {
		if !errors.Is(err, apperr.ErrIndexBuildConflict) {
			h.log.Error("upload indexing failed", zap.String("file", name), zap.Error(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Uploaded and indexed file: " + name})
}

func saveUpload(src multipart.File, folder, name string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create upload folder: %w", err)
	}
	dst, err := os.Create(filepath.Join(folder, name))
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("save upload: %w", err)
	}
	return dst.Close()
}

func (h *handler) indexStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ready": false}
	if h.deps.Index != nil {
		if info, ok := h.deps.Index.Info(); ok {
			resp["ready"] = true
			resp["index"] = info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
