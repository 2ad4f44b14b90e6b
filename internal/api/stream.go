// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/event"
	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/go-chi/chi/v5"
)

// snapshotFrame synthesizes the frame a late subscriber needs to catch
// up with the job's current stage.
func snapshotFrame(job *store.Job, scenes []*store.Scene) event.Event {
	switch job.Status {
	case store.JobPlanning:
		return event.New(event.TypePlanning, job.ID)
	case store.JobGenerating:
		ev := event.New(event.TypeScriptReady, job.ID)
		ev.Title = job.Title
		ev.Summary = job.Summary
		ev.SceneCount = len(scenes)
		return ev
	case store.JobStitching:
		return event.New(event.TypeStitching, job.ID)
	case store.JobComplete, store.JobPartial:
		ev := event.New(event.TypeComplete, job.ID)
		ev.Partial = job.Status == store.JobPartial
		ev.ArtifactRef = job.ID
		return ev
	case store.JobError:
		ev := event.New(event.TypeError, job.ID)
		ev.Message = job.Error
		return ev
	default:
		return event.New(event.TypeJobCreated, job.ID)
	}
}

// handleJobEvents tails a job's progress as Server-Sent Events. The
// stream opens with a snapshot frame, replays live frames in order,
// and ends with a "done" sentinel after the terminal frame.
// GET /api/v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")

	// Subscribe before reading the snapshot. A frame published between
	// the two is then either in the snapshot or in the subscription,
	// never lost.
	sub := s.bus.Subscribe(id)
	defer sub.Close()

	job, scenes, err := s.engine.Snapshot(r.Context(), ownerFrom(r.Context()), id)
	if err != nil {
		writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := log.WithComponentFromContext(r.Context(), "sse")
	send := func(ev event.Event) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Error().Err(err).Msg("encode frame")
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	first := snapshotFrame(job, scenes)
	if !send(first) {
		return
	}
	if first.Type.Terminal() {
		send(event.New(event.TypeDone, id))
		return
	}

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// Comment ping keeps intermediaries from idling out the
			// connection even when the engine is between frames.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-sub.C():
			if !send(ev) {
				return
			}
			if ev.Type.Terminal() {
				send(event.New(event.TypeDone, id))
				return
			}
		}
	}
}
