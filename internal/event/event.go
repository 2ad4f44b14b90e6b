// SPDX-License-Identifier: MIT

// Package event defines the typed progress frames emitted by the job
// engine and the in-process bus that fans them out to live tails.
package event

import "time"

// Type discriminates progress frames.
type Type string

const (
	TypeJobCreated    Type = "job_created"
	TypePlanning      Type = "planning"
	TypeScriptReady   Type = "script_ready"
	TypeSceneImage    Type = "scene_image"
	TypeSceneVideo    Type = "scene_video"
	TypeSceneComplete Type = "scene_complete"
	TypeSceneError    Type = "scene_error"
	TypeStitching     Type = "stitching"
	TypeComplete      Type = "complete"
	TypeError         Type = "error"
	TypeQuotaRetry    Type = "quota_retry"
	TypeWarning       Type = "warning"
	TypeKeepalive     Type = "keepalive"

	// TypeDone is the end-of-stream sentinel sent after a terminal frame.
	TypeDone Type = "done"
)

// Terminal reports whether the frame ends the stream for its job.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Event is a single progress frame. Fields irrelevant to a given type
// are omitted from the wire encoding.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	Message   string    `json:"message,omitempty"`

	// script_ready
	Title      string `json:"title,omitempty"`
	Summary    string `json:"summary,omitempty"`
	SceneCount int    `json:"scene_count,omitempty"`

	// scene_* and quota_retry
	Scene      int `json:"scene,omitempty"`
	Total      int `json:"total,omitempty"`
	Retry      int `json:"retry,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`

	// complete
	Partial     bool   `json:"partial,omitempty"`
	ArtifactRef string `json:"artifact_ref,omitempty"`

	// keepalive
	Step string `json:"step,omitempty"`
}

// New returns a frame of the given type stamped with the current time.
func New(t Type, jobID string) Event {
	return Event{Type: t, JobID: jobID, Timestamp: time.Now().UTC()}
}
