package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kinetia/kinagate/internal/routing"
	"github.com/kinetia/kinagate/internal/upstream"
)

type chatPart struct {
	Text string `json:"text"`
}

// chatMessage accepts {role, content} and the {role, parts:[{text}]} shape
// the site keeps in its history.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Parts   []chatPart      `json:"parts"`
}

// text returns the message body. ok is false when content is present but is
// not a string.
func (m chatMessage) text() (string, bool) {
	if len(m.Content) > 0 && string(m.Content) != "null" {
		var s string
		if err := json.Unmarshal(m.Content, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), true
}

func normalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user":
		return upstream.RoleUser, true
	case "assistant", "model":
		return upstream.RoleAssistant, true
	}
	return "", false
}

type chatReply struct {
	Reply string `json:"reply"`
}

// parseChat extracts the conversation, oldest first, ending with the new
// user message. Blank history turns are dropped and the history is trimmed
// to the last maxHistory turns.
func parseChat(obj map[string]json.RawMessage, maxHistory int) ([]upstream.Turn, *Error) {
	var (
		history []chatMessage
		message string
	)

	if raw, ok := obj["messages"]; ok {
		var msgs []chatMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, &Error{Kind: KindInvalidBody, Message: "messages must be an array of {role, content}", Field: "messages", cause: err}
		}
		if len(msgs) == 0 {
			return nil, &Error{Kind: KindInvalidBody, Message: "messages must contain at least one message", Field: "messages"}
		}
		last := msgs[len(msgs)-1]
		if role := strings.TrimSpace(last.Role); role != "" {
			if got, ok := normalizeRole(role); !ok || got != upstream.RoleUser {
				return nil, &Error{Kind: KindInvalidBody, Message: "the last message must come from the user", Field: "messages"}
			}
		}
		text, ok := last.text()
		if !ok {
			return nil, &Error{Kind: KindInvalidBody, Message: "message content must be a string", Field: "messages"}
		}
		message = text
		history = msgs[:len(msgs)-1]
	} else {
		raw, ok := obj["message"]
		if !ok {
			return nil, &Error{Kind: KindInvalidBody, Message: "message is required", Field: "message"}
		}
		if err := json.Unmarshal(raw, &message); err != nil {
			return nil, &Error{Kind: KindInvalidBody, Message: "message must be a string", Field: "message", cause: err}
		}
		if raw, ok := obj["history"]; ok && string(raw) != "null" {
			if err := json.Unmarshal(raw, &history); err != nil {
				return nil, &Error{Kind: KindInvalidBody, Message: "history must be an array of messages", Field: "history", cause: err}
			}
		}
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &Error{Kind: KindInvalidBody, Message: "message must not be empty", Field: "message"}
	}

	turns := make([]upstream.Turn, 0, len(history)+1)
	for _, m := range history {
		role, ok := normalizeRole(m.Role)
		if !ok {
			return nil, &Error{Kind: KindInvalidBody, Message: "history roles must be user, assistant or model", Field: "history"}
		}
		text, ok := m.text()
		if !ok {
			return nil, &Error{Kind: KindInvalidBody, Message: "message content must be a string", Field: "history"}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, upstream.Turn{Role: role, Content: text})
	}
	if maxHistory > 0 && len(turns) > maxHistory {
		turns = turns[len(turns)-maxHistory:]
	}

	return append(turns, upstream.Turn{Role: upstream.RoleUser, Content: message}), nil
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	rt, _ := routing.RouteFrom(r)

	obj, perr := readObject(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	turns, perr := parseChat(obj, g.opts.MaxHistoryTurns)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	if g.opts.Completer == nil {
		writeError(w, r, newError(KindNotConfigured, "this endpoint is not configured on the server"))
		return
	}

	start := g.opts.Now()
	reply, err := dispatch(r.Context(), rt.Timeout, func(ctx context.Context) (string, error) {
		return g.opts.Completer.Complete(ctx, turns)
	})
	if err != nil {
		e := fail(w, r, rt, classify(err))
		g.opts.Observer.UpstreamDone(rt.ID, outcome(e), g.opts.Now().Sub(start))
		return
	}
	g.opts.Observer.UpstreamDone(rt.ID, outcome(nil), g.opts.Now().Sub(start))

	writeJSON(w, http.StatusOK, chatReply{Reply: reply})
}
