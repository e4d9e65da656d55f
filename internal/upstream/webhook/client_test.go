package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetia/kinagate/internal/upstream"
)

func testSubmission() upstream.Submission {
	return upstream.Submission{
		Form:        "contact",
		ID:          "3f0c6f5e-7d4b-4a55-9d0b-4d3bb0d6a001",
		SubmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Fields: map[string]any{
			"name":    "Ada",
			"email":   "ada@example.com",
			"company": "Analytical",
			"form":    "spoofed",
		},
	}
}

func TestDeliverPostsFlattenedJSON(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "3f0c6f5e-7d4b-4a55-9d0b-4d3bb0d6a001", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	require.NoError(t, c.Deliver(context.Background(), testSubmission()))

	assert.Equal(t, "Ada", got["name"])
	assert.Equal(t, "Analytical", got["company"])
	assert.Equal(t, "contact", got["form"])
	assert.Equal(t, "2026-01-02T03:04:05Z", got["submittedAt"])
	assert.Equal(t, "3f0c6f5e-7d4b-4a55-9d0b-4d3bb0d6a001", got["submissionId"])
}

func TestDeliverNon2xxIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("zap failed"))
	}))
	defer server.Close()

	err := NewClient(server.URL, server.Client()).Deliver(context.Background(), testSubmission())
	require.Error(t, err)

	var se *upstream.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "zap failed", se.Body)

	code, ok := upstream.StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestDeliverRequiresURL(t *testing.T) {
	err := NewClient("  ", nil).Deliver(context.Background(), testSubmission())
	assert.ErrorIs(t, err, upstream.ErrNotConfigured)
}

func TestDeliverHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := NewClient(server.URL, server.Client()).Deliver(ctx, testSubmission())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
