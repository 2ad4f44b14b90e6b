// SPDX-License-Identifier: MIT

package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateVideoPollsUntilDone(t *testing.T) {
	clip := []byte("mp4-bytes")
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(veoOperation{Name: "operations/op-1"})
	})
	mux.HandleFunc("/operations/op-1", func(w http.ResponseWriter, r *http.Request) {
		op := veoOperation{Name: "operations/op-1"}
		if polls.Add(1) >= 2 {
			op.Done = true
			var sample veoSample
			sample.Video.BytesBase64Encoded = base64.StdEncoding.EncodeToString(clip)
			op.Response = &veoResponse{}
			op.Response.GenerateVideoResponse.GeneratedSamples = []veoSample{sample}
		}
		_ = json.NewEncoder(w).Encode(op)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVeoClient(srv.URL, "k", "veo-test", time.Millisecond, 10)
	got, err := c.GenerateVideo(context.Background(), "waves rolling", []byte("frame"))
	require.NoError(t, err)
	require.Equal(t, clip, got)
	require.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestGenerateVideoTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(veoOperation{Name: "operations/op-1"})
	})
	mux.HandleFunc("/operations/op-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(veoOperation{Name: "operations/op-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVeoClient(srv.URL, "k", "veo-test", time.Millisecond, 3)
	_, err := c.GenerateVideo(context.Background(), "p", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestGenerateVideoQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewVeoClient(srv.URL, "k", "veo-test", time.Millisecond, 3)
	_, err := c.GenerateVideo(context.Background(), "p", nil)
	require.ErrorIs(t, err, ErrQuota)
}

func TestStitchSingleClipCopies(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("only-clip"), 0o644))

	out := filepath.Join(dir, "final.mp4")
	s := &FFmpegStitcher{}
	require.NoError(t, s.Stitch(context.Background(), []string{clip}, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, []byte("only-clip"), data)
}

func TestStitchNoClips(t *testing.T) {
	s := &FFmpegStitcher{}
	err := s.Stitch(context.Background(), nil, filepath.Join(t.TempDir(), "out.mp4"))
	require.Error(t, err)
}
