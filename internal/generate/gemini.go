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

	"github.com/davidgeorgehope/vibecaster/internal/resilience"
)

// GeminiClient calls the generative-language REST API for script
// planning and scene image generation. Direct HTTP with typed
// request/response structs; transient gateway errors are retried by
// the resilience client, quota signals surface as ErrQuota for the
// engine to back off on.
type GeminiClient struct {
	baseURL      string
	apiKey       string
	plannerModel string
	imageModel   string
	hc           *resilience.Client
}

// NewGeminiClient builds a client against baseURL (the v1beta API root).
func NewGeminiClient(baseURL, apiKey, plannerModel, imageModel string) *GeminiClient {
	return &GeminiClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		plannerModel: plannerModel,
		imageModel:   imageModel,
		hc:           resilience.NewClient(&http.Client{Timeout: 120 * time.Second}, resilience.DefaultPolicy()),
	}
}

type genRequest struct {
	Contents         []genContent      `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string       `json:"text,omitempty"`
	InlineData *genBlobData `json:"inlineData,omitempty"`
}

type genBlobData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64 encoded
}

type generationConfig struct {
	Temperature        float64  `json:"temperature,omitempty"`
	ResponseMIMEType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type genResponse struct {
	Candidates []genCandidate `json:"candidates"`
	Error      *genError      `json:"error,omitempty"`
}

type genCandidate struct {
	Content genContent `json:"content"`
}

type genError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (c *GeminiClient) generate(ctx context.Context, model string, reqBody genRequest) (*genResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s: %w", model, ErrQuota)
	}

	var out genResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		if out.Error.Status == "RESOURCE_EXHAUSTED" {
			return nil, fmt.Errorf("%s: %s: %w", model, out.Error.Message, ErrQuota)
		}
		return nil, fmt.Errorf("%s: %s (status %s)", model, out.Error.Message, out.Error.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", model, resp.StatusCode)
	}
	return &out, nil
}

const planPromptTemplate = `You are a video script planner. Create a detailed script for a video about:

Topic: %s

Style: %s

Target: %d scenes of %d seconds each.

%s

Return a JSON object with this exact structure:
{
  "title": "Video title",
  "summary": "One-sentence summary",
  "scenes": [
    {
      "scene_number": 1,
      "narration": "What is spoken/shown in this scene (2-3 sentences)",
      "visual_description": "Detailed description of what appears visually",
      "image_prompt": "Detailed prompt for generating the first frame image",
      "video_prompt": "Motion/action prompt for video generation"
    }
  ]
}

Scene numbers start at 1 and are contiguous. Ensure visual continuity between scenes.`

// PlanScript asks the planner model for a titled, ordered scene list.
func (c *GeminiClient) PlanScript(ctx context.Context, req PlanRequest) (*Script, error) {
	extra := ""
	if req.UserPrompt != "" {
		extra += "Additional context: " + req.UserPrompt + "\n"
	}
	if req.Transcript != "" {
		extra += "Source transcript:\n" + req.Transcript + "\n"
	}
	prompt := fmt.Sprintf(planPromptTemplate, req.Topic, req.Style, req.SceneCount, req.SceneSeconds, extra)

	resp, err := c.generate(ctx, c.plannerModel, genRequest{
		Contents: []genContent{{Parts: []genPart{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:      0.7,
			ResponseMIMEType: "application/json",
		},
	})
	if err != nil {
		return nil, err
	}

	text := ""
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			text += part.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("planner returned no text")
	}

	var script Script
	if err := json.Unmarshal([]byte(text), &script); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if len(script.Scenes) == 0 {
		return nil, fmt.Errorf("planner returned no scenes")
	}
	return &script, nil
}

// GenerateImage produces a scene first frame. An optional reference
// image is passed inline for character consistency.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string, reference []byte) ([]byte, error) {
	parts := []genPart{{Text: prompt}}
	if len(reference) > 0 {
		parts = append([]genPart{
			{Text: "Use this character reference for consistency:"},
			{InlineData: &genBlobData{
				MIMEType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(reference),
			}},
		}, parts...)
	}

	resp, err := c.generate(ctx, c.imageModel, genRequest{
		Contents: []genContent{{Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	})
	if err != nil {
		return nil, err
	}

	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				img, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("decode image data: %w", err)
				}
				return img, nil
			}
		}
	}
	return nil, fmt.Errorf("no image in response")
}
