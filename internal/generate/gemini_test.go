// SPDX-License-Identifier: MIT

package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func planServer(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGeminiClient(srv.URL, "test-key", "planner-model", "image-model")
}

func textResponse(text string) genResponse {
	return genResponse{Candidates: []genCandidate{{
		Content: genContent{Parts: []genPart{{Text: text}}},
	}}}
}

func TestPlanScript(t *testing.T) {
	script := Script{
		Title:   "Ocean Currents",
		Summary: "How the ocean moves heat around the planet.",
		Scenes: []ScenePlan{
			{Number: 1, Narration: "intro", ImagePrompt: "a wide ocean", VideoPrompt: "waves rolling"},
			{Number: 2, Narration: "gulf stream", ImagePrompt: "currents map", VideoPrompt: "camera pans"},
		},
	}
	raw, err := json.Marshal(script)
	require.NoError(t, err)

	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/planner-model:generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		var req genRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "application/json", req.GenerationConfig.ResponseMIMEType)
		_ = json.NewEncoder(w).Encode(textResponse(string(raw)))
	})

	got, err := c.PlanScript(context.Background(), PlanRequest{Topic: "ocean currents", Style: "educational", SceneCount: 2, SceneSeconds: 8})
	require.NoError(t, err)
	require.Equal(t, "Ocean Currents", got.Title)
	require.Len(t, got.Scenes, 2)
	require.Equal(t, 1, got.Scenes[0].Number)
}

func TestPlanScriptQuota(t *testing.T) {
	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.PlanScript(context.Background(), PlanRequest{Topic: "x", SceneCount: 1})
	require.ErrorIs(t, err, ErrQuota)
}

func TestPlanScriptResourceExhaustedBody(t *testing.T) {
	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(genResponse{Error: &genError{
			Code: 429, Message: "quota exceeded", Status: "RESOURCE_EXHAUSTED",
		}})
	})
	_, err := c.PlanScript(context.Background(), PlanRequest{Topic: "x", SceneCount: 1})
	require.ErrorIs(t, err, ErrQuota)
}

func TestPlanScriptEmptyScenes(t *testing.T) {
	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(textResponse(`{"title":"t","summary":"s","scenes":[]}`))
	})
	_, err := c.PlanScript(context.Background(), PlanRequest{Topic: "x", SceneCount: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no scenes")
}

func TestGenerateImage(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G'}
	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/image-model:generateContent", r.URL.Path)
		var req genRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"IMAGE"}, req.GenerationConfig.ResponseModalities)
		_ = json.NewEncoder(w).Encode(genResponse{Candidates: []genCandidate{{
			Content: genContent{Parts: []genPart{{InlineData: &genBlobData{
				MIMEType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(img),
			}}}},
		}}})
	})

	got, err := c.GenerateImage(context.Background(), "a lighthouse at dusk", nil)
	require.NoError(t, err)
	require.Equal(t, img, got)
}

func TestGenerateImageWithReferencePrependsIt(t *testing.T) {
	ref := []byte("ref-image")
	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req genRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		parts := req.Contents[0].Parts
		require.Len(t, parts, 3)
		require.NotNil(t, parts[1].InlineData)
		require.Equal(t, base64.StdEncoding.EncodeToString(ref), parts[1].InlineData.Data)
		_ = json.NewEncoder(w).Encode(genResponse{Candidates: []genCandidate{{
			Content: genContent{Parts: []genPart{{InlineData: &genBlobData{Data: base64.StdEncoding.EncodeToString([]byte("img"))}}}},
		}}})
	})

	_, err := c.GenerateImage(context.Background(), "prompt", ref)
	require.NoError(t, err)
}

func TestGenerateImageNoImage(t *testing.T) {
	c := planServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(textResponse("sorry, text only"))
	})
	_, err := c.GenerateImage(context.Background(), "prompt", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no image")
}
