// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.EqualValues(t, 50<<20, cfg.ChunkSize)
	require.EqualValues(t, 500<<20, cfg.MaxUploadSize)
	require.Equal(t, 30*time.Minute, cfg.UploadTTL)
	require.Equal(t, 5*time.Minute, cfg.SweepInterval)
	require.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	require.Equal(t, 3, cfg.QuotaMaxRetries)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VIBECASTER_CHUNK_SIZE", "1048576")
	t.Setenv("VIBECASTER_UPLOAD_TTL", "10m")
	t.Setenv("VIBECASTER_ALLOWED_TYPES", "video/mp4, image/png")
	t.Setenv("VIBECASTER_SCENE_PARALLELISM", "3")

	cfg := FromEnv()
	require.EqualValues(t, 1<<20, cfg.ChunkSize)
	require.Equal(t, 10*time.Minute, cfg.UploadTTL)
	require.Equal(t, []string{"video/mp4", "image/png"}, cfg.AllowedTypes)
	require.Equal(t, 3, cfg.SceneParallelism)
}

func TestFromEnvInvalidFallsBack(t *testing.T) {
	t.Setenv("VIBECASTER_QUOTA_MAX_RETRIES", "not-a-number")
	t.Setenv("VIBECASTER_UPLOAD_TTL", "soon")
	cfg := FromEnv()
	require.Equal(t, 3, cfg.QuotaMaxRetries)
	require.Equal(t, 30*time.Minute, cfg.UploadTTL)
}

func TestValidate(t *testing.T) {
	cfg := FromEnv()

	bad := cfg
	bad.ChunkSize = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MaxUploadSize = cfg.ChunkSize - 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.KeepaliveInterval = 2 * time.Minute
	require.Error(t, bad.Validate())

	bad = cfg
	bad.SceneParallelism = 0
	require.Error(t, bad.Validate())
}
