package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/download"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.Metadata.ListFiles(r.Context(), ownerFromContext(r), r.URL.Query().Get("folder_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r)
	id := chi.URLParam(r, "id")

	head, err := s.Download.Head(r.Context(), id, owner)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", fmt.Sprintf("%q", head.ETag))
	if head.AcceptsRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(head.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rng, err := parseRangeHeader(r.Header.Get("Range"), head.Size)
	if err != nil {
		writeRangeUnsatisfiable(w, err, head.Size)
		return
	}

	rc, n, err := s.Download.Open(r.Context(), id, owner, rng)
	if err != nil {
		if apperror.Is(err, apperror.RangeUnsatisfiable) {
			writeRangeUnsatisfiable(w, err, head.Size)
			return
		}
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, head.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = io.Copy(w, rc)
}

// parseRangeHeader parses a single-range "bytes=start-end" header per spec
// §4.5. A missing header returns (nil, nil): the whole file. Multi-range
// requests are out of scope (spec Non-goals) and fall back to the whole
// file rather than erroring, matching how most simple file servers behave.
func parseRangeHeader(header string, size int64) (*download.Range, error) {
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, "bytes=") || strings.Contains(header, ",") {
		return nil, nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, apperror.New(apperror.RangeUnsatisfiable, "malformed Range header %q", header)
	}

	if parts[0] == "" {
		// Suffix range: "bytes=-500" means the last 500 bytes.
		suffix, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, apperror.New(apperror.RangeUnsatisfiable, "malformed Range header %q", header)
		}
		start := size - suffix
		if start < 0 {
			start = 0
		}
		return &download.Range{Start: start, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, apperror.New(apperror.RangeUnsatisfiable, "malformed Range header %q", header)
	}
	end := int64(-1)
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, apperror.New(apperror.RangeUnsatisfiable, "malformed Range header %q", header)
		}
	}
	return &download.Range{Start: start, End: end}, nil
}

// handlePreview implements GET /files/{id}/preview (spec.md §6): an image
// preview stream, image MIME only. Anything else is rejected rather than
// silently streamed, since a preview endpoint handing back arbitrary
// binaries defeats the point of scoping it to images.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r)
	id := chi.URLParam(r, "id")

	head, err := s.Download.Head(r.Context(), id, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if !strings.HasPrefix(head.File.MimeType, "image/") {
		writeError(w, apperror.New(apperror.Validation, "file %s is not an image (mime type %q)", id, head.File.MimeType))
		return
	}

	rc, n, err := s.Download.Open(r.Context(), id, owner, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", head.File.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Metadata.DeleteFile(r.Context(), id, ownerFromContext(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkDeleteRequest struct {
	FileIDs []string `json:"file_ids"`
}

type bulkDeleteResult struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// handleBulkDelete implements the supplemented bulk-delete semantics from
// SPEC_FULL.md: each id is deleted independently, so one file pinned by a
// reference does not block the rest of the batch.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.New(apperror.Validation, "malformed request body: %v", err))
		return
	}
	owner := ownerFromContext(r)
	result := bulkDeleteResult{Failed: map[string]string{}}
	for _, id := range req.FileIDs {
		if err := s.Metadata.DeleteFile(r.Context(), id, owner); err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Metadata.Stats(r.Context(), ownerFromContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
