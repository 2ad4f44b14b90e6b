// SPDX-License-Identifier: MIT

// Package engine runs generation jobs: it owns every Job/Scene status
// transition, drives the plan/generate/stitch pipeline, and emits
// progress frames on the event bus. Transitions are persisted before
// the work they announce, so a crash resumes from the last durable
// stage instead of losing the job.
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

	"github.com/davidgeorgehope/vibecaster/internal/config"
	"github.com/davidgeorgehope/vibecaster/internal/event"
	"github.com/davidgeorgehope/vibecaster/internal/generate"
	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/metrics"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/davidgeorgehope/vibecaster/internal/upload"
	"github.com/google/uuid"
)

// ErrJobNotFound covers unknown and foreign-owner jobs.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal rejects cancelling a job that already finished.
var ErrJobTerminal = errors.New("job already finished")

// ErrJobRunning rejects dismissing a job that has not finished.
var ErrJobRunning = errors.New("job still running")

// errCancelled aborts the pipeline at the next step boundary.
var errCancelled = errors.New("cancelled by user")

// Backends bundles the external generation services the pipeline calls.
type Backends struct {
	Planner  generate.Planner
	Images   generate.ImageGenerator
	Videos   generate.VideoGenerator
	Stitcher generate.Stitcher
}

// CreateParams are the user inputs for a new job.
type CreateParams struct {
	Owner          string
	Kind           store.JobKind
	Topic          string
	Style          string
	UserPrompt     string
	UploadRef      string
	TargetDuration int
}

type jobRun struct {
	cancelled chan struct{}
	once      sync.Once
}

func (r *jobRun) cancel() { r.once.Do(func() { close(r.cancelled) }) }

func (r *jobRun) isCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// Engine owns job execution. One goroutine per active job; the engine
// is the only writer of Job and Scene rows.
type Engine struct {
	store    *store.Store
	bus      *event.Bus
	uploads  *upload.Manager
	backends Backends
	cfg      config.Settings

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*jobRun
}

// New builds an Engine. Call Recover once after construction to resume
// jobs interrupted by a previous shutdown, then Close on the way down.
func New(st *store.Store, bus *event.Bus, uploads *upload.Manager, backends Backends, cfg config.Settings) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      st,
		bus:        bus,
		uploads:    uploads,
		backends:   backends,
		cfg:        cfg,
		rootCtx:    ctx,
		rootCancel: cancel,
		runs:       make(map[string]*jobRun),
	}
}

// Close stops accepting work and waits for running pipelines to reach
// a step boundary and exit.
func (e *Engine) Close() {
	e.rootCancel()
	e.wg.Wait()
}

func (e *Engine) jobDir(id string) string {
	return filepath.Join(e.cfg.DataDir, "jobs", id)
}

// Submit persists a new pending job and starts its pipeline.
func (e *Engine) Submit(ctx context.Context, p CreateParams) (*store.Job, error) {
	if strings.TrimSpace(p.Topic) == "" && p.UploadRef == "" {
		return nil, fmt.Errorf("job needs a topic or an upload reference")
	}
	if p.Kind == "" {
		p.Kind = store.KindVideo
	}
	if p.UploadRef != "" {
		if _, err := e.uploads.Resolve(ctx, p.Owner, p.UploadRef); err != nil {
			return nil, fmt.Errorf("resolve upload: %w", err)
		}
	}

	now := time.Now().UTC()
	job := &store.Job{
		ID:             uuid.NewString(),
		Owner:          p.Owner,
		Kind:           p.Kind,
		Status:         store.JobPending,
		Topic:          strings.TrimSpace(p.Topic),
		Style:          p.Style,
		UserPrompt:     p.UserPrompt,
		UploadRef:      p.UploadRef,
		TargetDuration: p.TargetDuration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.PutJob(ctx, job); err != nil {
		return nil, err
	}

	e.publish(job.ID, event.New(event.TypeJobCreated, job.ID))
	e.launch(job)
	return job, nil
}

// Recover restarts every non-terminal job from its durable status.
// Call it once at boot, before serving traffic.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	logger := log.WithComponent("engine")
	for _, job := range jobs {
		logger.Info().
			Str("event", "engine.recover").
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("resuming interrupted job")
		e.launch(job)
	}
	return nil
}

// Cancel flags a running job. The pipeline notices at its next step
// boundary; the in-flight external call is not interrupted.
func (e *Engine) Cancel(ctx context.Context, owner, id string) error {
	job, err := e.ownedJob(ctx, owner, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	e.mu.Lock()
	run, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		run.cancel()
		return nil
	}
	// Not running (engine restarted without recovery of this job):
	// finalize the row directly.
	return e.finalizeError(id, errCancelled)
}

// Dismiss deletes a terminal job, its scenes and its working files.
func (e *Engine) Dismiss(ctx context.Context, owner, id string) error {
	job, err := e.ownedJob(ctx, owner, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return ErrJobRunning
	}
	if err := os.RemoveAll(e.jobDir(id)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return e.store.DeleteJob(ctx, id)
}

// Snapshot returns the job row and its scenes for status queries.
func (e *Engine) Snapshot(ctx context.Context, owner, id string) (*store.Job, []*store.Scene, error) {
	job, err := e.ownedJob(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	scenes, err := e.store.ListScenes(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, scenes, nil
}

func (e *Engine) ownedJob(ctx context.Context, owner, id string) (*store.Job, error) {
	job, err := e.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (e *Engine) launch(job *store.Job) {
	run := &jobRun{cancelled: make(chan struct{})}
	e.mu.Lock()
	e.runs[job.ID] = run
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runs, job.ID)
			e.mu.Unlock()
		}()
		e.execute(job, run)
	}()
}

func (e *Engine) execute(job *store.Job, run *jobRun) {
	ctx := log.ContextWithJobID(e.rootCtx, job.ID)
	logger := log.WithComponentFromContext(ctx, "engine")

	metrics.JobsStartedTotal.WithLabelValues(string(job.Kind)).Inc()
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	final, err := e.pipeline(ctx, job, run)
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "job.failed").
			Msg("pipeline aborted")
		if fErr := e.finalizeError(job.ID, err); fErr != nil {
			logger.Error().Err(fErr).Msg("persist job failure")
		}
		return
	}

	logger.Info().
		Str("event", "job.finished").
		Str("status", string(final)).
		Msg("pipeline finished")
}

// finalizeError moves a job to error durably, then announces it.
func (e *Engine) finalizeError(id string, cause error) error {
	_, err := e.store.UpdateJob(context.Background(), id, func(j *store.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = store.JobError
		j.Error = cause.Error()
		return nil
	})
	if err != nil {
		return err
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(store.JobError)).Inc()

	ev := event.New(event.TypeError, id)
	ev.Message = cause.Error()
	e.publish(id, ev)
	return nil
}

// publish delivers a frame with a bounded wait so a stalled subscriber
// cannot wedge the pipeline.
func (e *Engine) publish(jobID string, ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, jobID, ev); err != nil {
		logger := log.WithComponent("engine")
		logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("type", string(ev.Type)).
			Msg("progress frame dropped")
	}
}
