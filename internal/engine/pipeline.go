// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/event"
	"github.com/davidgeorgehope/vibecaster/internal/generate"
	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/metrics"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"golang.org/x/sync/errgroup"
)

// material is the resolved content of a job's upload reference.
type material struct {
	transcript string
	reference  []byte
}

// pipeline drives a job from its current durable status to a terminal
// one. A job resumed from "generating" skips planning; one resumed
// from "stitching" skips straight to assembly. Scene failures do not
// abort the job; stitching decides between complete and partial.
func (e *Engine) pipeline(ctx context.Context, job *store.Job, run *jobRun) (store.JobStatus, error) {
	if run.isCancelled() {
		return "", errCancelled
	}
	if err := os.MkdirAll(e.jobDir(job.ID), 0o750); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}

	mat, err := e.loadMaterial(ctx, job)
	if err != nil {
		return "", err
	}

	start := job.Status
	if start == store.JobPending || start == store.JobPlanning {
		if err := e.plan(ctx, job, mat); err != nil {
			return "", err
		}
		if run.isCancelled() {
			return "", errCancelled
		}
	}

	if start != store.JobStitching {
		if err := e.generateScenes(ctx, job, run, mat); err != nil {
			return "", err
		}
		if run.isCancelled() {
			return "", errCancelled
		}
	}

	return e.stitch(ctx, job, run)
}

func (e *Engine) loadMaterial(ctx context.Context, job *store.Job) (*material, error) {
	if job.UploadRef == "" {
		return &material{}, nil
	}
	sess, err := e.uploads.Resolve(ctx, job.Owner, job.UploadRef)
	if err != nil {
		return nil, fmt.Errorf("resolve upload: %w", err)
	}
	data, err := os.ReadFile(sess.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("read upload artifact: %w", err)
	}

	switch {
	case strings.HasPrefix(sess.ContentType, "text/"):
		return &material{transcript: string(data)}, nil
	case strings.HasPrefix(sess.ContentType, "image/"):
		return &material{reference: data}, nil
	default:
		ev := event.New(event.TypeWarning, job.ID)
		ev.Message = fmt.Sprintf("upload content type %q ignored", sess.ContentType)
		e.publish(job.ID, ev)
		return &material{}, nil
	}
}

func (e *Engine) sceneCount(job *store.Job) int {
	count := e.cfg.MaxScenes
	if job.TargetDuration > 0 && e.cfg.SceneSeconds > 0 {
		count = (job.TargetDuration + e.cfg.SceneSeconds - 1) / e.cfg.SceneSeconds
	}
	if count < 1 {
		count = 1
	}
	if count > e.cfg.MaxScenes {
		count = e.cfg.MaxScenes
	}
	return count
}

// plan asks the planner for a script and persists the scene rows. The
// stage is idempotent: a job interrupted mid-planning replans from
// scratch.
func (e *Engine) plan(ctx context.Context, job *store.Job, mat *material) error {
	if _, err := e.setStatus(ctx, job.ID, store.JobPlanning); err != nil {
		return err
	}
	e.publish(job.ID, event.New(event.TypePlanning, job.ID))

	req := generate.PlanRequest{
		Topic:        job.Topic,
		Style:        job.Style,
		UserPrompt:   job.UserPrompt,
		Transcript:   mat.transcript,
		SceneCount:   e.sceneCount(job),
		SceneSeconds: e.cfg.SceneSeconds,
	}

	var script *generate.Script
	err := e.callStep(ctx, job.ID, 0, "planning", func(ctx context.Context) error {
		var err error
		script, err = e.backends.Planner.PlanScript(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("plan script: %w", err)
	}

	if len(script.Scenes) > e.cfg.MaxScenes {
		ev := event.New(event.TypeWarning, job.ID)
		ev.Message = fmt.Sprintf("script truncated from %d to %d scenes", len(script.Scenes), e.cfg.MaxScenes)
		e.publish(job.ID, ev)
		script.Scenes = script.Scenes[:e.cfg.MaxScenes]
	}

	now := time.Now().UTC()
	scenes := make([]*store.Scene, len(script.Scenes))
	for i, sp := range script.Scenes {
		scenes[i] = &store.Scene{
			JobID:       job.ID,
			Ordinal:     i,
			Status:      store.ScenePending,
			Narration:   sp.Narration,
			ImagePrompt: sp.ImagePrompt,
			VideoPrompt: sp.VideoPrompt,
			UpdatedAt:   now,
		}
	}
	if err := e.store.PutScenes(ctx, scenes); err != nil {
		return err
	}
	if _, err := e.store.UpdateJob(ctx, job.ID, func(j *store.Job) error {
		j.Title = script.Title
		j.Summary = script.Summary
		return nil
	}); err != nil {
		return err
	}

	ev := event.New(event.TypeScriptReady, job.ID)
	ev.Title = script.Title
	ev.Summary = script.Summary
	ev.SceneCount = len(script.Scenes)
	e.publish(job.ID, ev)
	return nil
}

// generateScenes runs the per-scene image+video steps, bounded by the
// configured parallelism. Already terminal scenes are skipped, which
// is what makes crash recovery resume instead of redo.
func (e *Engine) generateScenes(ctx context.Context, job *store.Job, run *jobRun, mat *material) error {
	if _, err := e.setStatus(ctx, job.ID, store.JobGenerating); err != nil {
		return err
	}

	scenes, err := e.store.ListScenes(ctx, job.ID)
	if err != nil {
		return err
	}
	total := len(scenes)
	if total == 0 {
		return fmt.Errorf("no scenes planned")
	}

	par := e.cfg.SceneParallelism
	if par < 1 {
		par = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(par)

	for _, sc := range scenes {
		if sc.Status.Terminal() {
			continue
		}
		if run.isCancelled() {
			break
		}
		sc := sc
		g.Go(func() error {
			e.runScene(gctx, job, sc, total, mat)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if run.isCancelled() {
		return errCancelled
	}
	return nil
}

// runScene produces one scene's image and clip. Errors are absorbed
// into the scene row; the job carries on with its remaining scenes.
func (e *Engine) runScene(ctx context.Context, job *store.Job, sc *store.Scene, total int, mat *material) {
	num := sc.Ordinal + 1
	logger := log.WithComponentFromContext(ctx, "engine")

	fail := func(cause error) {
		metrics.ScenesFailedTotal.Inc()
		logger.Warn().
			Err(cause).
			Str("event", "scene.failed").
			Int("scene", num).
			Msg("scene generation failed")
		if _, err := e.store.UpdateScene(ctx, job.ID, sc.Ordinal, func(s *store.Scene) error {
			s.Status = store.SceneError
			s.Error = cause.Error()
			return nil
		}); err != nil {
			logger.Error().Err(err).Int("scene", num).Msg("persist scene failure")
		}
		ev := event.New(event.TypeSceneError, job.ID)
		ev.Scene = num
		ev.Total = total
		ev.Message = cause.Error()
		e.publish(job.ID, ev)
	}

	progress := func(t event.Type) {
		ev := event.New(t, job.ID)
		ev.Scene = num
		ev.Total = total
		e.publish(job.ID, ev)
	}

	// First frame.
	if _, err := e.store.UpdateScene(ctx, job.ID, sc.Ordinal, func(s *store.Scene) error {
		s.Status = store.SceneGeneratingImage
		return nil
	}); err != nil {
		fail(err)
		return
	}
	progress(event.TypeSceneImage)

	var img []byte
	err := e.callStep(ctx, job.ID, num, "scene_image", func(ctx context.Context) error {
		var err error
		img, err = e.backends.Images.GenerateImage(ctx, sc.ImagePrompt, mat.reference)
		return err
	})
	if err != nil {
		fail(fmt.Errorf("generate image: %w", err))
		return
	}
	imgPath := filepath.Join(e.jobDir(job.ID), fmt.Sprintf("scene_%02d.png", num))
	if err := os.WriteFile(imgPath, img, 0o640); err != nil {
		fail(fmt.Errorf("write image: %w", err))
		return
	}

	// Clip.
	if _, err := e.store.UpdateScene(ctx, job.ID, sc.Ordinal, func(s *store.Scene) error {
		s.Status = store.SceneGeneratingVideo
		s.ImagePath = imgPath
		return nil
	}); err != nil {
		fail(err)
		return
	}
	progress(event.TypeSceneVideo)

	var clip []byte
	err = e.callStep(ctx, job.ID, num, "scene_video", func(ctx context.Context) error {
		var err error
		clip, err = e.backends.Videos.GenerateVideo(ctx, sc.VideoPrompt, img)
		return err
	})
	if err != nil {
		fail(fmt.Errorf("generate video: %w", err))
		return
	}
	clipPath := filepath.Join(e.jobDir(job.ID), fmt.Sprintf("scene_%02d.mp4", num))
	if err := os.WriteFile(clipPath, clip, 0o640); err != nil {
		fail(fmt.Errorf("write clip: %w", err))
		return
	}

	if _, err := e.store.UpdateScene(ctx, job.ID, sc.Ordinal, func(s *store.Scene) error {
		s.Status = store.SceneComplete
		s.ClipPath = clipPath
		return nil
	}); err != nil {
		fail(err)
		return
	}
	progress(event.TypeSceneComplete)
}

// stitch assembles the succeeded clips in ordinal order and finalizes
// the job: complete when every scene made it, partial when at least
// one did, error when none did.
func (e *Engine) stitch(ctx context.Context, job *store.Job, run *jobRun) (store.JobStatus, error) {
	if _, err := e.setStatus(ctx, job.ID, store.JobStitching); err != nil {
		return "", err
	}
	e.publish(job.ID, event.New(event.TypeStitching, job.ID))

	scenes, err := e.store.ListScenes(ctx, job.ID)
	if err != nil {
		return "", err
	}
	var clips []string
	for _, sc := range scenes {
		if sc.Status == store.SceneComplete && sc.ClipPath != "" {
			clips = append(clips, sc.ClipPath)
		}
	}
	if len(clips) == 0 {
		return "", fmt.Errorf("all scenes failed")
	}

	outPath := filepath.Join(e.jobDir(job.ID), "final.mp4")
	err = e.withKeepalive(ctx, job.ID, "stitching", func(ctx context.Context) error {
		return e.backends.Stitcher.Stitch(ctx, clips, outPath)
	})
	if err != nil {
		return "", fmt.Errorf("stitch clips: %w", err)
	}
	// A cancel that raced the stitch call still wins over the final
	// status write.
	if run.isCancelled() {
		return "", errCancelled
	}

	final := store.JobComplete
	if len(clips) < len(scenes) {
		final = store.JobPartial
	}
	if _, err := e.store.UpdateJob(ctx, job.ID, func(j *store.Job) error {
		j.Status = final
		j.ArtifactPath = outPath
		return nil
	}); err != nil {
		return "", err
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(final)).Inc()

	ev := event.New(event.TypeComplete, job.ID)
	ev.Partial = final == store.JobPartial
	ev.ArtifactRef = job.ID
	e.publish(job.ID, ev)
	return final, nil
}

func (e *Engine) setStatus(ctx context.Context, id string, s store.JobStatus) (*store.Job, error) {
	return e.store.UpdateJob(ctx, id, func(j *store.Job) error {
		j.Status = s
		return nil
	})
}

// callStep wraps one external call with quota backoff and keepalive
// frames. The retry budget applies per step; a fresh step starts with
// a fresh budget. scene is 1-based, 0 for job-level steps.
func (e *Engine) callStep(ctx context.Context, jobID string, scene int, step string, fn func(context.Context) error) error {
	return e.withKeepalive(ctx, jobID, step, func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			err := fn(ctx)
			if err == nil || !errors.Is(err, generate.ErrQuota) {
				return err
			}
			if attempt >= e.cfg.QuotaMaxRetries {
				return err
			}
			metrics.QuotaRetriesTotal.Inc()
			ev := event.New(event.TypeQuotaRetry, jobID)
			ev.Scene = scene
			ev.Retry = attempt + 1
			ev.MaxRetries = e.cfg.QuotaMaxRetries
			e.publish(jobID, ev)

			delay := e.cfg.QuotaBackoffBase * time.Duration(1<<attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// withKeepalive emits keepalive frames while fn runs, so a live tail
// sees traffic during long external calls.
func (e *Engine) withKeepalive(ctx context.Context, jobID, step string, fn func(context.Context) error) error {
	if e.cfg.KeepaliveInterval <= 0 {
		return fn(ctx)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.KeepalivesTotal.Inc()
				ev := event.New(event.TypeKeepalive, jobID)
				ev.Step = step
				e.publish(jobID, ev)
			}
		}
	}()
	err := fn(ctx)
	close(done)
	wg.Wait()
	return err
}
