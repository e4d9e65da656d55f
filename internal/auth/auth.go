package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Token guards an ops endpoint with a static bearer token. An empty token
// leaves the endpoint open.
type Token struct {
	header string
	secret []byte
}

// NewToken reads the token from header, "Authorization" by default, where a
// "Bearer " prefix is accepted.
func NewToken(header, secret string) *Token {
	h := header
	if h == "" {
		h = "Authorization"
	}
	return &Token{header: h, secret: []byte(secret)}
}

func (t *Token) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

func (t *Token) presented(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get(t.header))
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	return v
}

// Middleware rejects requests without the token and writes JSON errors.
func (t *Token) Middleware(next http.Handler) http.Handler {
	if !t.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := t.presented(r)
		if got == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kinagate"`)
			writeJSON(w, http.StatusUnauthorized, "missing_token", "Provide a bearer token in "+t.header)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), t.secret) != 1 {
			writeJSON(w, http.StatusUnauthorized, "invalid_token", "Token not recognized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
