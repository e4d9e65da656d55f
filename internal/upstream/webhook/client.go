// Package webhook delivers form submissions to an HTTP endpoint as JSON.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kinetia/kinagate/internal/upstream"
)

const maxErrorBody = 4 << 10

type Client struct {
	URL        string
	HTTPClient *http.Client
	UserAgent  string
}

var _ upstream.Deliverer = (*Client)(nil)

func NewClient(url string, hc *http.Client) *Client {
	return &Client{
		URL:        strings.TrimSpace(url),
		HTTPClient: hc,
		UserAgent:  "kinagate-webhook/1",
	}
}

// Deliver POSTs the submission once. Any 2xx is success; everything else is
// an *upstream.StatusError.
func (c *Client) Deliver(ctx context.Context, s upstream.Submission) error {
	if c == nil || c.URL == "" {
		return fmt.Errorf("webhook url is required: %w", upstream.ErrNotConfigured)
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if s.ID != "" {
		req.Header.Set("Idempotency-Key", s.ID)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &upstream.StatusError{
			Upstream:   "webhook",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}
