package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/kinetia/kinagate/internal/upstream"
)

// Kind is the stable, client-facing error code.
type Kind string

const (
	KindPayloadTooLarge     Kind = "payload_too_large"
	KindInvalidBody         Kind = "invalid_body"
	KindMissingField        Kind = "missing_field"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamAuth        Kind = "upstream_auth_error"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindUpstream            Kind = "upstream_error"
	KindNotConfigured       Kind = "not_configured"
	KindInternal            Kind = "internal_error"
	KindNotFound            Kind = "not_found"
	KindMethodNotAllowed    Kind = "method_not_allowed"
)

var kindStatus = map[Kind]int{
	KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	KindInvalidBody:         http.StatusBadRequest,
	KindMissingField:        http.StatusBadRequest,
	KindRateLimited:         http.StatusTooManyRequests,
	KindUpstreamTimeout:     http.StatusGatewayTimeout,
	KindUpstreamAuth:        http.StatusForbidden,
	KindUpstreamRateLimited: http.StatusTooManyRequests,
	KindUpstream:            http.StatusBadGateway,
	KindNotConfigured:       http.StatusNotImplemented,
	KindInternal:            http.StatusInternalServerError,
	KindNotFound:            http.StatusNotFound,
	KindMethodNotAllowed:    http.StatusMethodNotAllowed,
}

// Status maps a kind to its HTTP status. Unknown kinds are 500.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a request-scoped failure. Message is safe to show to callers;
// the wrapped cause is for logs only.
type Error struct {
	Kind       Kind
	Message    string
	Field      string
	RetryAfter time.Duration
	status     int
	cause      error
}

// Status is the HTTP status written for e. A route may override the status of
// upstream_error; every other kind uses Kind.Status.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	return e.Kind.Status()
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func missingField(field, msg string) *Error {
	if msg == "" {
		msg = "missing required field: " + field
	}
	return &Error{Kind: KindMissingField, Message: msg, Field: field}
}

// classify turns an adapter error into a gateway error.
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindUpstreamTimeout, Message: "the upstream service took too long to respond", cause: err}
	case errors.Is(err, upstream.ErrNotConfigured):
		return &Error{Kind: KindNotConfigured, Message: "this endpoint is not configured on the server", cause: err}
	case errors.Is(err, upstream.ErrEmptyCompletion):
		return &Error{Kind: KindUpstream, Message: "the upstream service returned an invalid response", cause: err}
	}

	if code, ok := upstream.StatusCode(err); ok {
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindUpstreamAuth, Message: "the upstream service rejected our credentials", cause: err}
		case http.StatusTooManyRequests:
			return &Error{Kind: KindUpstreamRateLimited, Message: "the upstream service is busy, retry in a few minutes", cause: err}
		default:
			return &Error{Kind: KindUpstream, Message: "the upstream service returned an invalid response", cause: err}
		}
	}

	return &Error{Kind: KindInternal, Message: "unexpected server error", cause: err}
}

// classifyDelivery is classify for form destinations. A destination only
// succeeds or fails, so its status never becomes an auth or rate-limit error.
func classifyDelivery(err error) *Error {
	var gerr *Error
	if err == nil || errors.As(err, &gerr) {
		return classify(err)
	}
	if _, ok := upstream.StatusCode(err); ok {
		return &Error{Kind: KindUpstream, Message: "the form destination rejected the submission", cause: err}
	}
	return classify(err)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code         Kind   `json:"code"`
	Message      string `json:"message"`
	Field        string `json:"field,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, e *Error) {
	detail := errorDetail{
		Code:    e.Kind,
		Message: e.Message,
		Field:   e.Field,
	}
	if e.RetryAfter > 0 {
		detail.RetryAfterMs = int64(math.Ceil(float64(e.RetryAfter) / float64(time.Millisecond)))
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(e.RetryAfter.Seconds())), 10))
	}
	if e.Kind == KindPayloadTooLarge {
		// the rest of the body is never read, so the connection cannot be reused
		w.Header().Set("Connection", "close")
	}
	if id, ok := hlog.IDFromRequest(r); ok {
		detail.RequestID = id.String()
	}
	writeJSON(w, e.Status(), errorBody{Error: detail})
}
