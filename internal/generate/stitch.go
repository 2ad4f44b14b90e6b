// SPDX-License-Identifier: MIT

package generate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/google/renameio/v2"
)

// FFmpegStitcher concatenates scene clips with the ffmpeg concat
// demuxer (stream copy, no re-encode). A single clip is copied through
// unchanged.
type FFmpegStitcher struct {
	Binary string // ffmpeg executable, defaults to "ffmpeg"
}

// Stitch writes the ordered concatenation of clipPaths to outPath
// atomically: a partially written output is never visible.
func (f *FFmpegStitcher) Stitch(ctx context.Context, clipPaths []string, outPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to stitch")
	}

	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	logger := log.WithComponentFromContext(ctx, "stitch")

	tmpDir, err := os.MkdirTemp("", "vibecaster-stitch-*")
	if err != nil {
		return fmt.Errorf("create stitch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Debug().Err(err).Msg("cleanup stitch dir")
		}
	}()

	if len(clipPaths) == 1 {
		data, err := os.ReadFile(clipPaths[0])
		if err != nil {
			return fmt.Errorf("read clip: %w", err)
		}
		if err := renameio.WriteFile(outPath, data, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}

	listPath := filepath.Join(tmpDir, "concat_list.txt")
	list := ""
	for _, p := range clipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve clip path: %w", err)
		}
		list += fmt.Sprintf("file '%s'\n", abs)
	}
	if err := os.WriteFile(listPath, []byte(list), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	tmpOut := filepath.Join(tmpDir, "output"+filepath.Ext(outPath))
	cmd := exec.CommandContext(ctx, bin,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		tmpOut,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error().
			Str("event", "stitch.ffmpeg_failed").
			Str("output", string(out)).
			Msg("ffmpeg concat failed")
		return fmt.Errorf("ffmpeg concat: %w", err)
	}

	data, err := os.ReadFile(tmpOut)
	if err != nil {
		return fmt.Errorf("read stitched output: %w", err)
	}
	if err := renameio.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	logger.Info().
		Str("event", "stitch.done").
		Int("clips", len(clipPaths)).
		Str("path", outPath).
		Msg("clips stitched")
	return nil
}
