package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const DefaultMaxBodyBytes = 1_000_000

// BodyLimit caps the request body at maxBytes. A declared Content-Length
// above the cap is refused before anything is read.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				if r.ContentLength > maxBytes {
					writeError(w, r, newError(KindPayloadTooLarge, "request body is too large"))
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// readObject buffers the (already capped) body and decodes a top-level JSON
// object. Values are left raw for the route handler to interpret.
func readObject(r *http.Request) (map[string]json.RawMessage, *Error) {
	if r.Body == nil {
		return nil, newError(KindInvalidBody, "request body is empty")
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, newError(KindPayloadTooLarge, "request body is too large")
		}
		return nil, &Error{Kind: KindInvalidBody, Message: "could not read request body", cause: err}
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, newError(KindInvalidBody, "request body is empty")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		e := newError(KindInvalidBody, "request body must be a JSON object")
		e.cause = err
		return nil, e
	}
	return obj, nil
}
