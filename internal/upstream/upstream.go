// Package upstream defines the capabilities the gateway needs from external
// services and the errors adapters report back.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a chat conversation, oldest first.
type Turn struct {
	Role    string
	Content string
}

// Completer produces the assistant reply for a conversation whose last turn
// is the user's new message.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// Deliverer performs a one-shot delivery of a form submission.
type Deliverer interface {
	Deliver(ctx context.Context, s Submission) error
}

// Submission is a validated form payload plus gateway metadata.
type Submission struct {
	Form        string
	ID          string
	SubmittedAt time.Time
	Fields      map[string]any
}

// MarshalJSON flattens the submitted fields next to form, submittedAt and
// submissionId. Gateway metadata wins over a submitted field of the same name.
func (s Submission) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+3)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["form"] = s.Form
	out["submittedAt"] = s.SubmittedAt.UTC().Format(time.RFC3339)
	if s.ID != "" {
		out["submissionId"] = s.ID
	}
	return json.Marshal(out)
}

// ErrNotConfigured is returned by adapters that lack a destination or
// credentials.
var ErrNotConfigured = errors.New("upstream not configured")

// ErrEmptyCompletion is returned when the upstream answered 2xx but the reply
// text is missing.
var ErrEmptyCompletion = errors.New("upstream returned no completion text")

// StatusError is returned when an upstream answers with a non-2xx status.
// Body holds the upstream response for server-side logging only.
type StatusError struct {
	Upstream   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "upstream error"
	}
	return fmt.Sprintf("%s request failed: status %d", e.Upstream, e.StatusCode)
}

// StatusCode extracts the upstream HTTP status from err, if any.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) && se != nil {
		return se.StatusCode, true
	}
	return 0, false
}
