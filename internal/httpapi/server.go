// Package httpapi exposes the storage service over HTTP: the upload
// session endpoints, file listing/download/delete, and storage stats (spec
// §6), wired with chi the way rclone's cmd/serve handlers are wired onto
// net/http ServeMux, except chi gives this service URL parameters and
// per-route middleware without a hand-rolled mux.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strongboxhq/strongbox/internal/config"
	"github.com/strongboxhq/strongbox/internal/download"
	"github.com/strongboxhq/strongbox/internal/gc"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/placement"
	"github.com/strongboxhq/strongbox/internal/upload"
)

// Server bundles every component the HTTP layer dispatches into.
type Server struct {
	Config   *config.Config
	Upload   *upload.Manager
	Download *download.Engine
	Metadata *metadata.Store
	GC       *gc.Collector
	Migrator *placement.Migrator
}

// Router builds the chi router exposing the API described in spec §6,
// mounted under the documented /api/v1 prefix.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/upload/init", s.handleUploadInit)
		r.Post("/upload/chunk/{sid}", s.handleUploadChunk)
		r.Post("/upload/direct/{sid}", s.handleUploadDirect)
		r.Post("/upload/complete/{sid}", s.handleUploadComplete)
		r.Get("/upload/resume/{sid}", s.handleUploadResume)
		r.Delete("/upload/{sid}", s.handleUploadAbort)

		r.Get("/files", s.handleListFiles)
		r.Get("/files/{id}/download", s.handleDownload)
		r.Head("/files/{id}/download", s.handleDownload)
		r.Get("/files/{id}/preview", s.handlePreview)
		r.Delete("/files/{id}", s.handleDeleteFile)
		r.Post("/files/bulk-delete", s.handleBulkDelete)

		r.Get("/storage/stats", s.handleStorageStats)
	})

	return r
}
