// Package gemini is a Completer backed by the Generative Language API
// generateContent endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kinetia/kinagate/internal/upstream"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash"

	// upstream error bodies are only logged; cap what we keep
	maxErrorBody = 4 << 10
)

// ErrNoAPIKey is returned by Complete when the client has no key.
var ErrNoAPIKey = fmt.Errorf("gemini: api key is required: %w", upstream.ErrNotConfigured)

type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client

	SystemPrompt string
	Welcome      string

	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

var _ upstream.Completer = (*Client)(nil)

// NewClient returns a client with the generation defaults applied.
func NewClient(baseURL, apiKey, model string) *Client {
	url := strings.TrimSpace(baseURL)
	if url == "" {
		url = DefaultBaseURL
	}
	m := strings.TrimSpace(model)
	if m == "" {
		m = DefaultModel
	}
	return &Client{
		BaseURL:         url,
		APIKey:          strings.TrimSpace(apiKey),
		Model:           m,
		Temperature:     0.7,
		TopK:            40,
		TopP:            0.95,
		MaxOutputTokens: 1024,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.APIKey != ""
}

// Complete sends the conversation and returns the first candidate's text.
// The caller's context bounds the whole exchange; cancelling it aborts the
// in-flight request.
func (c *Client) Complete(ctx context.Context, turns []upstream.Turn) (string, error) {
	if !c.Configured() {
		return "", ErrNoAPIKey
	}

	body, err := json.Marshal(c.buildRequest(turns))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/models/" + c.Model + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &upstream.StatusError{
			Upstream:   "gemini",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("read response: %w", ctx.Err())
		}
		return "", fmt.Errorf("decode response: %w", errors.Join(upstream.ErrEmptyCompletion, err))
	}

	return replyText(&parsed)
}
