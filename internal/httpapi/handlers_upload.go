package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/upload"
)

type uploadInitRequest struct {
	FileName     string `json:"file_name"`
	FolderID     string `json:"folder_id"`
	DeclaredSize int64  `json:"declared_size"`
	MimeType     string `json:"mime_type"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.New(apperror.Validation, "malformed request body: %v", err))
		return
	}
	if req.FileName == "" || req.DeclaredSize < 0 {
		writeError(w, apperror.New(apperror.Validation, "file_name and a non-negative declared_size are required"))
		return
	}

	session, err := s.Upload.Init(r.Context(), ownerFromContext(r), req.FileName, req.FolderID, req.DeclaredSize, req.MimeType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type chunkAcceptedResponse struct {
	Status   upload.ChunkStatus `json:"status"`
	Progress float64            `json:"progress"`
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	index, err := strconv.Atoi(r.URL.Query().Get("chunk_index"))
	if err != nil {
		writeError(w, apperror.New(apperror.Validation, "query parameter chunk_index must be an integer"))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Validation, err, "reading chunk body"))
		return
	}
	status, err := s.Upload.AcceptChunk(r.Context(), sid, index, data)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := s.Upload.Status(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkAcceptedResponse{Status: status, Progress: session.Progress()})
}

func (s *Server) handleUploadDirect(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Validation, err, "reading direct upload body"))
		return
	}
	if err := s.Upload.AcceptDirect(r.Context(), sid, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	file, err := s.Upload.Complete(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleUploadResume(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	session, err := s.Upload.Status(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if err := s.Upload.Abort(r.Context(), sid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
