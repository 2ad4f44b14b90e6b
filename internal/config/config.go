// SPDX-License-Identifier: MIT

// Package config loads daemon settings from the environment.
// Precedence is ENV > defaults; a .env file may seed the environment
// before FromEnv is called.
package config

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize is the fixed per-session upload chunk size.
	DefaultChunkSize = 50 << 20 // 50 MiB
	// DefaultMaxUploadSize caps the declared total size of an upload.
	DefaultMaxUploadSize = 500 << 20 // 500 MiB
)

// Settings holds the full daemon configuration.
type Settings struct {
	ListenAddr string
	DataDir    string
	LogLevel   string

	// Uploads
	MaxUploadSize int64
	ChunkSize     int64
	UploadTTL     time.Duration
	SweepInterval time.Duration
	AllowedTypes  []string

	// Engine
	SceneParallelism  int
	MaxScenes         int
	SceneSeconds      int
	KeepaliveInterval time.Duration
	QuotaMaxRetries   int
	QuotaBackoffBase  time.Duration

	// Generation backends
	GenAPIKey      string
	GenBaseURL     string
	PlannerModel   string
	ImageModel     string
	VideoModel     string
	VideoPollEvery time.Duration
	VideoPollMax   int
	FFmpegPath     string

	// HTTP
	RateLimitPerMin int
}

// FromEnv builds Settings from VIBECASTER_* environment variables,
// applying defaults for anything unset.
func FromEnv() Settings {
	return Settings{
		ListenAddr: ParseString("VIBECASTER_LISTEN", ":8080"),
		DataDir:    ParseString("VIBECASTER_DATA", "./data"),
		LogLevel:   ParseString("VIBECASTER_LOG_LEVEL", "info"),

		MaxUploadSize: ParseInt64("VIBECASTER_MAX_UPLOAD_SIZE", DefaultMaxUploadSize),
		ChunkSize:     ParseInt64("VIBECASTER_CHUNK_SIZE", DefaultChunkSize),
		UploadTTL:     ParseDuration("VIBECASTER_UPLOAD_TTL", 30*time.Minute),
		SweepInterval: ParseDuration("VIBECASTER_SWEEP_INTERVAL", 5*time.Minute),
		AllowedTypes: ParseStringSlice("VIBECASTER_ALLOWED_TYPES", []string{
			"video/mp4", "video/quicktime", "video/webm",
			"audio/mpeg", "audio/wav", "audio/mp4",
			"image/png", "image/jpeg",
			"text/plain", "application/octet-stream",
		}),

		SceneParallelism:  ParseInt("VIBECASTER_SCENE_PARALLELISM", 1),
		MaxScenes:         ParseInt("VIBECASTER_MAX_SCENES", 6),
		SceneSeconds:      ParseInt("VIBECASTER_SCENE_SECONDS", 8),
		KeepaliveInterval: ParseDuration("VIBECASTER_KEEPALIVE_INTERVAL", 15*time.Second),
		QuotaMaxRetries:   ParseInt("VIBECASTER_QUOTA_MAX_RETRIES", 3),
		QuotaBackoffBase:  ParseDuration("VIBECASTER_QUOTA_BACKOFF_BASE", 2*time.Second),

		GenAPIKey:      ParseString("VIBECASTER_GEN_API_KEY", ""),
		GenBaseURL:     ParseString("VIBECASTER_GEN_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		PlannerModel:   ParseString("VIBECASTER_PLANNER_MODEL", "gemini-3-pro-preview"),
		ImageModel:     ParseString("VIBECASTER_IMAGE_MODEL", "gemini-3-pro-image-preview"),
		VideoModel:     ParseString("VIBECASTER_VIDEO_MODEL", "veo-3.1-generate-preview"),
		VideoPollEvery: ParseDuration("VIBECASTER_VIDEO_POLL_INTERVAL", 10*time.Second),
		VideoPollMax:   ParseInt("VIBECASTER_VIDEO_POLL_MAX", 60),
		FFmpegPath:     ParseString("VIBECASTER_FFMPEG", "ffmpeg"),

		RateLimitPerMin: ParseInt("VIBECASTER_RATE_LIMIT_PER_MIN", 600),
	}
}

// Validate rejects settings the daemon cannot run with.
func (s Settings) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.MaxUploadSize < s.ChunkSize {
		return fmt.Errorf("max upload size %d smaller than chunk size %d", s.MaxUploadSize, s.ChunkSize)
	}
	if s.UploadTTL <= 0 {
		return fmt.Errorf("upload TTL must be positive")
	}
	if s.KeepaliveInterval <= 0 || s.KeepaliveInterval > 90*time.Second {
		return fmt.Errorf("keepalive interval %s outside (0, 90s]", s.KeepaliveInterval)
	}
	if s.SceneParallelism < 1 {
		return fmt.Errorf("scene parallelism must be at least 1")
	}
	return nil
}
