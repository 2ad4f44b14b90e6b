// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/davidgeorgehope/vibecaster/internal/upload"
	"github.com/go-chi/chi/v5"
)

type uploadInitRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TotalSize   int64  `json:"total_size"`
}

type uploadView struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	TotalSize     int64  `json:"total_size"`
	ChunkSize     int64  `json:"chunk_size"`
	ChunkCount    int    `json:"chunk_count"`
	MissingChunks []int  `json:"missing_chunks"`
	Complete      bool   `json:"complete"`
}

func uploadToView(u *store.UploadSession) uploadView {
	missing := u.MissingChunks()
	if missing == nil {
		missing = []int{}
	}
	return uploadView{
		ID:            u.ID,
		Filename:      u.Filename,
		ContentType:   u.ContentType,
		TotalSize:     u.TotalSize,
		ChunkSize:     u.ChunkSize,
		ChunkCount:    u.ChunkCount(),
		MissingChunks: missing,
		Complete:      u.Complete,
	}
}

// writeUploadError maps upload manager errors onto HTTP statuses.
func writeUploadError(w http.ResponseWriter, err error) {
	var chunkErr *upload.ChunkError
	var incErr *upload.IncompleteError
	switch {
	case errors.Is(err, upload.ErrNotFound):
		writeNotFound(w)
	case errors.Is(err, upload.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, upload.ErrTypeNotAllowed):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, upload.ErrSessionComplete):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &chunkErr):
		writeBadRequest(w, err)
	case errors.As(err, &incErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "upload incomplete",
			"missing_chunks": incErr.Missing,
		})
	default:
		writeInternal(w)
	}
}

// handleUploadInit creates an upload session.
// POST /api/v1/uploads
func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.uploads.Init(r.Context(), ownerFrom(r.Context()), req.Filename, req.ContentType, req.TotalSize)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadToView(sess))
}

// handleUploadStatus reports the session and its missing chunks.
// GET /api/v1/uploads/{id}
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.uploads.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadToView(sess))
}

// handleUploadChunk stores one chunk body.
// PUT /api/v1/uploads/{id}/chunks/{index}
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeBadRequest(w, errors.New("chunk index must be an integer"))
		return
	}
	if err := s.uploads.PutChunk(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), index, r.Body); err != nil {
		writeUploadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadComplete assembles the artifact.
// POST /api/v1/uploads/{id}/complete
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.uploads.Complete(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadToView(sess))
}
