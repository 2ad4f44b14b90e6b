// SPDX-License-Identifier: MIT

package store

import "time"

// JobStatus is the durable state of a generation job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobPlanning   JobStatus = "planning"
	JobGenerating JobStatus = "generating"
	JobStitching  JobStatus = "stitching"
	JobComplete   JobStatus = "complete"
	JobPartial    JobStatus = "partial"
	JobError      JobStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobComplete, JobPartial, JobError:
		return true
	}
	return false
}

// SceneStatus is the durable state of a single scene.
type SceneStatus string

const (
	ScenePending         SceneStatus = "pending"
	SceneGeneratingImage SceneStatus = "generating_image"
	SceneGeneratingVideo SceneStatus = "generating_video"
	SceneComplete        SceneStatus = "complete"
	SceneError           SceneStatus = "error"
)

// Terminal reports whether the scene reached a final state.
func (s SceneStatus) Terminal() bool {
	return s == SceneComplete || s == SceneError
}

// JobKind distinguishes pipelines.
type JobKind string

const (
	KindVideo         JobKind = "video"
	KindTranscription JobKind = "transcription"
)

// Job is one user-initiated generation request. Rows are mutated only
// by the engine; API handlers read them.
type Job struct {
	ID      string    `json:"id"`
	Owner   string    `json:"owner"`
	Kind    JobKind   `json:"kind"`
	Status  JobStatus `json:"status"`
	Title   string    `json:"title"`
	Summary string    `json:"summary,omitempty"`

	// Inputs
	Topic          string `json:"topic"`
	Style          string `json:"style,omitempty"`
	TargetDuration int    `json:"target_duration,omitempty"`
	UserPrompt     string `json:"user_prompt,omitempty"`
	UploadRef      string `json:"upload_ref,omitempty"`

	Error        string    `json:"error,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Scene is one ordinal sub-task of a job. Ordinals are contiguous and
// fixed once planning completes.
type Scene struct {
	JobID       string      `json:"job_id"`
	Ordinal     int         `json:"ordinal"`
	Status      SceneStatus `json:"status"`
	Narration   string      `json:"narration,omitempty"`
	ImagePrompt string      `json:"image_prompt,omitempty"`
	VideoPrompt string      `json:"video_prompt,omitempty"`
	Error       string      `json:"error,omitempty"`
	ImagePath   string      `json:"image_path,omitempty"`
	ClipPath    string      `json:"clip_path,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// UploadSession is the durable record of an in-flight chunked upload.
type UploadSession struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Filename     string       `json:"filename"`
	ContentType  string       `json:"content_type"`
	TotalSize    int64        `json:"total_size"`
	ChunkSize    int64        `json:"chunk_size"`
	Received     map[int]bool `json:"received"`
	Complete     bool         `json:"complete"`
	ArtifactPath string       `json:"artifact_path,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ChunkCount returns how many chunk indices the session requires.
func (u *UploadSession) ChunkCount() int {
	if u.TotalSize <= 0 || u.ChunkSize <= 0 {
		return 0
	}
	return int((u.TotalSize + u.ChunkSize - 1) / u.ChunkSize)
}

// MissingChunks returns the sorted list of indices not yet received.
func (u *UploadSession) MissingChunks() []int {
	var missing []int
	for i := 0; i < u.ChunkCount(); i++ {
		if !u.Received[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// ExpectedChunkLen returns the exact byte length chunk index must have.
func (u *UploadSession) ExpectedChunkLen(index int) int64 {
	last := u.ChunkCount() - 1
	if index < last {
		return u.ChunkSize
	}
	return u.TotalSize - int64(last)*u.ChunkSize
}
