// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/resilience"
)

// apiClient talks to the daemon's HTTP API with retrying transport.
type apiClient struct {
	base  string
	token string
	hc    *resilience.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  base,
		token: token,
		hc:    resilience.NewClient(&http.Client{Timeout: 5 * time.Minute}, resilience.DefaultPolicy()),
	}
}

func (c *apiClient) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.hc.Do(req)
}

// doJSON sends a request and decodes the JSON response into out.
func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// putChunk uploads one raw chunk body.
func (c *apiClient) putChunk(ctx context.Context, uploadID string, index int, chunk []byte) error {
	resp, err := c.request(ctx, http.MethodPut, fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", uploadID, index), chunk)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
