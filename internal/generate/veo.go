// SPDX-License-Identifier: MIT

package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/resilience"
)

// VeoClient drives video generation as a long-running operation:
// start the generation, poll the operation until done, then decode the
// produced clip.
type VeoClient struct {
	baseURL   string
	apiKey    string
	model     string
	pollEvery time.Duration
	pollMax   int
	hc        *resilience.Client
}

// NewVeoClient builds a video-generation client. pollEvery/pollMax
// bound the total wait for one clip.
func NewVeoClient(baseURL, apiKey, model string, pollEvery time.Duration, pollMax int) *VeoClient {
	return &VeoClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		pollEvery: pollEvery,
		pollMax:   pollMax,
		hc:        resilience.NewClient(&http.Client{Timeout: 60 * time.Second}, resilience.DefaultPolicy()),
	}
}

type veoStartRequest struct {
	Instances []veoInstance `json:"instances"`
}

type veoInstance struct {
	Prompt string       `json:"prompt"`
	Image  *genBlobData `json:"image,omitempty"`
}

type veoOperation struct {
	Name     string       `json:"name"`
	Done     bool         `json:"done"`
	Error    *genError    `json:"error,omitempty"`
	Response *veoResponse `json:"response,omitempty"`
}

type veoResponse struct {
	GenerateVideoResponse struct {
		GeneratedSamples []veoSample `json:"generatedSamples"`
	} `json:"generateVideoResponse"`
}

type veoSample struct {
	Video struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		URI                string `json:"uri"`
	} `json:"video"`
}

func (c *VeoClient) call(ctx context.Context, method, url string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", c.model, ErrQuota)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", c.model, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

// GenerateVideo starts a clip generation anchored on firstFrame and
// polls until the operation completes.
func (c *VeoClient) GenerateVideo(ctx context.Context, prompt string, firstFrame []byte) ([]byte, error) {
	logger := log.WithComponentFromContext(ctx, "generate")

	inst := veoInstance{Prompt: prompt}
	if len(firstFrame) > 0 {
		inst.Image = &genBlobData{
			MIMEType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(firstFrame),
		}
	}

	var op veoOperation
	startURL := fmt.Sprintf("%s/models/%s:predictLongRunning", c.baseURL, c.model)
	if err := c.call(ctx, http.MethodPost, startURL, veoStartRequest{Instances: []veoInstance{inst}}, &op); err != nil {
		return nil, fmt.Errorf("start video generation: %w", err)
	}
	if op.Error != nil {
		if op.Error.Status == "RESOURCE_EXHAUSTED" {
			return nil, fmt.Errorf("%s: %s: %w", c.model, op.Error.Message, ErrQuota)
		}
		return nil, fmt.Errorf("start video generation: %s", op.Error.Message)
	}

	for poll := 0; !op.Done && poll < c.pollMax; poll++ {
		select {
		case <-time.After(c.pollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		logger.Debug().
			Str("event", "video.poll").
			Str("operation", op.Name).
			Int("poll", poll+1).
			Msg("video generation in progress")

		pollURL := fmt.Sprintf("%s/%s", c.baseURL, op.Name)
		if err := c.call(ctx, http.MethodGet, pollURL, nil, &op); err != nil {
			return nil, fmt.Errorf("poll video operation: %w", err)
		}
	}

	if !op.Done {
		return nil, fmt.Errorf("video generation timed out after %d polls", c.pollMax)
	}
	if op.Error != nil {
		return nil, fmt.Errorf("video generation failed: %s", op.Error.Message)
	}
	if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
		return nil, fmt.Errorf("no video in response")
	}

	sample := op.Response.GenerateVideoResponse.GeneratedSamples[0]
	if sample.Video.BytesBase64Encoded != "" {
		clip, err := base64.StdEncoding.DecodeString(sample.Video.BytesBase64Encoded)
		if err != nil {
			return nil, fmt.Errorf("decode video data: %w", err)
		}
		return clip, nil
	}
	if sample.Video.URI != "" {
		return c.download(ctx, sample.Video.URI)
	}
	return nil, fmt.Errorf("no video payload in response")
}

func (c *VeoClient) download(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download video: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
