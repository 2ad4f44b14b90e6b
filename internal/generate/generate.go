// SPDX-License-Identifier: MIT

// Package generate holds the clients for the external generation
// services the pipeline calls: script planning, scene image and scene
// video generation, and local clip stitching. The engine only depends
// on the small interfaces defined here.
package generate

import (
	"context"
	"errors"
)

// ErrQuota marks a rate-limit / quota-exhausted signal from a backend.
// The engine retries these with backoff; any other error is final for
// the step that produced it.
var ErrQuota = errors.New("generate: quota exhausted")

// ScenePlan is one planned scene as returned by the planner.
type ScenePlan struct {
	Number            int    `json:"scene_number"`
	Narration         string `json:"narration"`
	VisualDescription string `json:"visual_description"`
	ImagePrompt       string `json:"image_prompt"`
	VideoPrompt       string `json:"video_prompt"`
}

// Script is the planner output for a whole job.
type Script struct {
	Title   string      `json:"title"`
	Summary string      `json:"summary"`
	Scenes  []ScenePlan `json:"scenes"`
}

// PlanRequest carries the job inputs into the planning call.
type PlanRequest struct {
	Topic        string
	Style        string
	UserPrompt   string
	Transcript   string // optional, resolved from an uploaded artifact
	SceneCount   int
	SceneSeconds int
}

// Planner produces a titled, ordered scene list for a job.
type Planner interface {
	PlanScript(ctx context.Context, req PlanRequest) (*Script, error)
}

// ImageGenerator produces a scene's first-frame image.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, reference []byte) ([]byte, error)
}

// VideoGenerator produces a scene clip anchored on a first frame.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, prompt string, firstFrame []byte) ([]byte, error)
}

// Stitcher concatenates scene clips, in the given order, into outPath.
type Stitcher interface {
	Stitch(ctx context.Context, clipPaths []string, outPath string) error
}
