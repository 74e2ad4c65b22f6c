// Package handler contains the HTTP handlers for the mailsmith API.
//
// This file streams stored assets back to workspace members.
//
// Routes handled:
//   - GET /api/organizations/{orgID}/images/{name}     -> ServeFile
//   - GET /api/organizations/{orgID}/thumbnails/{name} -> ServeFile
//   - GET /api/organizations/{orgID}/templates/{name}  -> ServeFile
package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/storage"
)

// FileHandler serves generated files out of storage. Keys are rebuilt from
// the route so a member can only read under their own organization's prefix.
type FileHandler struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(store storage.Storage, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		store:  store,
		logger: logger,
	}
}

// RegisterRoutes registers one route per asset kind. member must
// authenticate the caller and check workspace membership.
func (h *FileHandler) RegisterRoutes(mux *http.ServeMux, member func(http.Handler) http.Handler) {
	for _, kind := range []string{storage.KindImages, storage.KindThumbnails, storage.KindTemplates} {
		mux.Handle("GET /api/organizations/{orgID}/"+kind+"/{name}", member(h.serveKind(kind)))
	}
}

func (h *FileHandler) serveKind(kind string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeFile(w, r, kind)
	})
}

// ServeFile streams the object named by the route. Unknown and malformed
// names both answer 404.
func (h *FileHandler) ServeFile(w http.ResponseWriter, r *http.Request, kind string) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	key, err := storage.OrganizationKey(orgID, kind, r.PathValue("name"))
	if err != nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	body, info, err := h.store.Get(r.Context(), key)
	if storage.IsNotFound(err) {
		NotFoundResponse(w, r, h.logger)
		return
	}
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Unavailable(err, "files.get", "Stored file is temporarily unavailable"))
		return
	}
	defer body.Close()

	header := w.Header()
	header.Set("Content-Type", info.ContentType)
	header.Set("Cache-Control", "private, max-age=3600")
	header.Set("X-Content-Type-Options", "nosniff")
	if kind == storage.KindTemplates {
		// Template HTML renders for preview but never runs script.
		header.Set("Content-Security-Policy", "sandbox; default-src 'none'; img-src https: data:; style-src 'unsafe-inline'")
	}
	if info.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		header.Set("ETag", info.ETag)
	}
	if !info.LastModified.IsZero() {
		header.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("file stream interrupted", "key", key, "error", err)
	}
}
