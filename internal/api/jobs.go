// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/engine"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/go-chi/chi/v5"
)

type jobCreateRequest struct {
	Kind           string `json:"kind"`
	Topic          string `json:"topic"`
	Style          string `json:"style"`
	UserPrompt     string `json:"user_prompt"`
	UploadRef      string `json:"upload_ref"`
	TargetDuration int    `json:"target_duration"`
}

type sceneView struct {
	Ordinal   int    `json:"ordinal"`
	Status    string `json:"status"`
	Narration string `json:"narration,omitempty"`
	Error     string `json:"error,omitempty"`
}

type jobView struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Status    string      `json:"status"`
	Title     string      `json:"title,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Topic     string      `json:"topic"`
	Error     string      `json:"error,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
	Scenes    []sceneView `json:"scenes,omitempty"`
}

func jobToView(j *store.Job, scenes []*store.Scene) jobView {
	v := jobView{
		ID:        j.ID,
		Kind:      string(j.Kind),
		Status:    string(j.Status),
		Title:     j.Title,
		Summary:   j.Summary,
		Topic:     j.Topic,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
	for _, sc := range scenes {
		v.Scenes = append(v.Scenes, sceneView{
			Ordinal:   sc.Ordinal,
			Status:    string(sc.Status),
			Narration: sc.Narration,
			Error:     sc.Error,
		})
	}
	return v
}

// writeJobError maps engine errors onto HTTP statuses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		writeNotFound(w)
	case errors.Is(err, engine.ErrJobTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeInternal(w)
	}
}

// handleJobCreate accepts a new job and starts its pipeline.
// POST /api/v1/jobs
func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	job, err := s.engine.Submit(r.Context(), engine.CreateParams{
		Owner:          ownerFrom(r.Context()),
		Kind:           store.JobKind(req.Kind),
		Topic:          req.Topic,
		Style:          req.Style,
		UserPrompt:     req.UserPrompt,
		UploadRef:      req.UploadRef,
		TargetDuration: req.TargetDuration,
	})
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobToView(job, nil))
}

// handleJobList pages the owner's jobs, newest first.
// GET /api/v1/jobs?limit=&offset=
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.store.ListJobs(r.Context(), ownerFrom(r.Context()), limit, offset)
	if err != nil {
		writeInternal(w)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobToView(j, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// handleJobGet returns the job snapshot with its scenes.
// GET /api/v1/jobs/{id}
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, scenes, err := s.engine.Snapshot(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToView(job, scenes))
}

// handleJobCancel flags a running job for cancellation.
// POST /api/v1/jobs/{id}/cancel
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleJobDismiss deletes a finished job and its files.
// DELETE /api/v1/jobs/{id}
func (s *Server) handleJobDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Dismiss(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobResult streams the finished artifact.
// GET /api/v1/jobs/{id}/result
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, _, err := s.engine.Snapshot(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	if job.ArtifactPath == "" || !(job.Status == store.JobComplete || job.Status == store.JobPartial) {
		writeError(w, http.StatusConflict, "job has no artifact")
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.mp4"`)
	http.ServeFile(w, r, job.ArtifactPath)
}
