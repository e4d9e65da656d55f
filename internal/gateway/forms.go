package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"

	"github.com/kinetia/kinagate/internal/routing"
	"github.com/kinetia/kinagate/internal/upstream"
)

var (
	contactFields = []string{"name", "email", "country", "message"}
	demoFields    = []string{"name", "email", "service"}
)

type formSpec struct {
	required []string
	dest     upstream.Deliverer // nil: not configured
}

type okReply struct {
	OK bool `json:"ok"`
}

// parseForm checks the required fields, in order, and returns every
// submitted field. Required values are trimmed strings; the rest are kept
// as raw JSON.
func parseForm(obj map[string]json.RawMessage, required []string) (map[string]any, *Error) {
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[k] = v
	}

	for _, name := range required {
		raw, ok := obj[name]
		if !ok {
			return nil, missingField(name, "")
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, missingField(name, name+" must be a string")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, missingField(name, "")
		}
		if name == "email" {
			if _, err := mail.ParseAddress(s); err != nil {
				return nil, missingField(name, "a valid email address is required")
			}
		}
		fields[name] = s
	}
	return fields, nil
}

func (g *Gateway) handleForm(w http.ResponseWriter, r *http.Request) {
	rt, _ := routing.RouteFrom(r)
	fs, ok := g.forms[rt.ID]
	if !ok {
		writeError(w, r, newError(KindNotFound, "the requested resource was not found"))
		return
	}

	obj, perr := readObject(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	fields, perr := parseForm(obj, fs.required)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	if fs.dest == nil {
		writeError(w, r, newError(KindNotConfigured, "this form is not configured on the server"))
		return
	}

	sub := upstream.Submission{
		Form:        rt.ID,
		ID:          g.opts.NewID(),
		SubmittedAt: g.opts.Now().UTC(),
		Fields:      fields,
	}

	start := g.opts.Now()
	_, err := dispatch(r.Context(), rt.Timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fs.dest.Deliver(ctx, sub)
	})
	if err != nil {
		e := fail(w, r, rt, classifyDelivery(err))
		g.opts.Observer.UpstreamDone(rt.ID, outcome(e), g.opts.Now().Sub(start))
		return
	}
	g.opts.Observer.UpstreamDone(rt.ID, outcome(nil), g.opts.Now().Sub(start))

	writeJSON(w, http.StatusOK, okReply{OK: true})
}
