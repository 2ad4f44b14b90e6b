// SPDX-License-Identifier: MIT

// Package resilience wraps outbound HTTP calls with bounded
// exponential-backoff retry. It is used by the CLI client for chunk
// uploads and snapshot polls, and by the generation backends.
package resilience

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// Policy controls retry behaviour for a Client.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff base; attempt n sleeps base * 2^n.
	BaseDelay time.Duration
	// MaxDelay caps any single backoff sleep.
	MaxDelay time.Duration
	// Jitter is the upper bound of the random delay added to each sleep.
	Jitter time.Duration
	// RetryStatuses lists response codes treated as transient.
	RetryStatuses []int
}

// DefaultPolicy matches the documented client behaviour: 3 retries
// (4 total attempts), 0-500ms jitter, retry on upstream gateway errors.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Jitter:        500 * time.Millisecond,
		RetryStatuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
	}
}

func (p Policy) retryable(status int) bool {
	for _, s := range p.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Delay returns the backoff sleep before retry attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// ErrBodyNotRewindable is returned when a request with a body cannot be
// safely retried because it carries no GetBody rewind function.
var ErrBodyNotRewindable = errors.New("resilience: request body is not rewindable")

// Client retries a single HTTP call on transport failures and on the
// policy's transient status codes. It never retries a request whose
// body cannot be replayed; idempotency is the caller's contract
// (chunk PUTs overwrite by index, so they are safe).
type Client struct {
	hc     *http.Client
	policy Policy
}

// NewClient wraps hc with the given retry policy. A nil hc uses
// http.DefaultClient.
func NewClient(hc *http.Client, policy Policy) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Client{hc: hc, policy: policy}
}

// Do issues the request, retrying per policy. The response body of a
// retried attempt is always drained and closed before the next try.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, ErrBodyNotRewindable
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.hc.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case c.policy.retryable(resp.StatusCode):
			lastErr = fmt.Errorf("transient status %d", resp.StatusCode)
			// Drain before closing so the connection can be reused for
			// the retry.
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		default:
			return resp, nil
		}

		if attempt >= c.policy.MaxRetries {
			return nil, fmt.Errorf("%s %s after %d attempts: %w", req.Method, req.URL.Path, attempt+1, lastErr)
		}

		select {
		case <-time.After(c.policy.Delay(attempt)):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}
