// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

type uploadView struct {
	ID            string `json:"id"`
	ChunkSize     int64  `json:"chunk_size"`
	ChunkCount    int    `json:"chunk_count"`
	MissingChunks []int  `json:"missing_chunks"`
	Complete      bool   `json:"complete"`
}

type jobView struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Title   string `json:"title"`
	Topic   string `json:"topic"`
	Error   string `json:"error"`
	Created string `json:"created_at"`
	Scenes  []struct {
		Ordinal int    `json:"ordinal"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	} `json:"scenes"`
}

func newUploadCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file in resumable chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(path))
			}
			if ct == "" {
				ct = "application/octet-stream"
			}

			c := client()
			ctx := cmd.Context()
			var sess uploadView
			err = c.doJSON(ctx, http.MethodPost, "/api/v1/uploads", map[string]any{
				"filename":     filepath.Base(path),
				"content_type": ct,
				"total_size":   info.Size(),
			}, &sess)
			if err != nil {
				return err
			}

			buf := make([]byte, sess.ChunkSize)
			for i := 0; i < sess.ChunkCount; i++ {
				n, err := io.ReadFull(f, buf)
				if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
					return err
				}
				if err := c.putChunk(ctx, sess.ID, i, buf[:n]); err != nil {
					return fmt.Errorf("chunk %d/%d: %w", i+1, sess.ChunkCount, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "chunk %d/%d uploaded\n", i+1, sess.ChunkCount)
			}

			var done uploadView
			if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads/"+sess.ID+"/complete", nil, &done); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "upload complete: %s\n", done.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "override the detected content type")
	return cmd
}

func newCreateCmd() *cobra.Command {
	var (
		kind, topic, style, prompt, uploadRef string
		duration                              int
		watch                                 bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a generation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var job jobView
			err := c.doJSON(cmd.Context(), http.MethodPost, "/api/v1/jobs", map[string]any{
				"kind":            kind,
				"topic":           topic,
				"style":           style,
				"user_prompt":     prompt,
				"upload_ref":      uploadRef,
				"target_duration": duration,
			}, &job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job created: %s\n", job.ID)
			if watch {
				return watchJob(cmd, c, job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "video", "job kind (video, transcription)")
	cmd.Flags().StringVar(&topic, "topic", "", "topic to generate a video about")
	cmd.Flags().StringVar(&style, "style", "", "visual/narrative style")
	cmd.Flags().StringVar(&prompt, "prompt", "", "extra instructions for the planner")
	cmd.Flags().StringVar(&uploadRef, "upload", "", "completed upload session id to use as source material")
	cmd.Flags().IntVar(&duration, "duration", 0, "target duration in seconds")
	cmd.Flags().BoolVar(&watch, "watch", false, "tail progress until the job finishes")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Jobs []jobView `json:"jobs"`
			}
			if err := client().doJSON(cmd.Context(), http.MethodGet, "/api/v1/jobs", nil, &out); err != nil {
				return err
			}
			for _, j := range out.Jobs {
				title := j.Title
				if title == "" {
					title = j.Topic
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %s\n", j.ID, j.Status, title)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Tail a job's progress stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(cmd, client(), args[0])
		},
	}
}

// watchJob tails the SSE stream and renders frames as log lines.
func watchJob(cmd *cobra.Command, c *apiClient, id string) error {
	resp, err := c.request(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+id+"/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Title   string `json:"title"`
			Scene   int    `json:"scene"`
			Total   int    `json:"total"`
			Retry   int    `json:"retry"`
			Max     int    `json:"max_retries"`
			Partial bool   `json:"partial"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "keepalive":
			// quiet
		case "script_ready":
			fmt.Fprintf(out, "script ready: %s\n", ev.Title)
		case "scene_image", "scene_video", "scene_complete":
			fmt.Fprintf(out, "%s %d/%d\n", ev.Type, ev.Scene, ev.Total)
		case "scene_error":
			fmt.Fprintf(out, "scene %d failed: %s\n", ev.Scene, ev.Message)
		case "quota_retry":
			fmt.Fprintf(out, "quota retry %d/%d (scene %d)\n", ev.Retry, ev.Max, ev.Scene)
		case "complete":
			if ev.Partial {
				fmt.Fprintln(out, "job finished (partial, some scenes failed)")
			} else {
				fmt.Fprintln(out, "job complete")
			}
		case "error":
			fmt.Fprintf(out, "job failed: %s\n", ev.Message)
		case "done":
			return nil
		default:
			fmt.Fprintln(out, ev.Type)
		}
	}
	return scanner.Err()
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().doJSON(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
			return nil
		},
	}
}

func newDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <job-id>",
		Short: "Delete a finished job and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().doJSON(cmd.Context(), http.MethodDelete, "/api/v1/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "job dismissed")
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download a finished job's video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			resp, err := client().request(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+id+"/result", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}

			dst := outPath
			if dst == "" {
				dst = id + ".mp4"
			}
			f, err := os.Create(dst)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, resp.Body); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", dst)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (defaults to <job-id>.mp4)")
	return cmd
}
