package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetia/kinagate/internal/config"
)

func testApp(t *testing.T, mutate func(*config.Root)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Limits.SweepIntervalMS = 0
	if mutate != nil {
		mutate(cfg)
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func do(h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAppHealth(t *testing.T) {
	a := testApp(t, nil)
	rec := do(a.handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestAppUnconfiguredUpstreams(t *testing.T) {
	a := testApp(t, nil)

	rec := do(a.handler, http.MethodPost, "/api/chat", `{"message":"hola"}`, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_configured"`)

	rec = do(a.handler, http.MethodPost, "/api/contact",
		`{"name":"Ana","email":"ana@example.com","country":"CL","message":"hola"}`, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAppFormLogMode(t *testing.T) {
	a := testApp(t, func(c *config.Root) { c.Forms.Mode = "log" })
	rec := do(a.handler, http.MethodPost, "/api/demo",
		`{"name":"Ana","email":"ana@example.com","service":"chatbot"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestAppMetricsToken(t *testing.T) {
	a := testApp(t, func(c *config.Root) { c.Observability.MetricsToken = "s3cret" })

	rec := do(a.handler, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_ = do(a.handler, http.MethodPost, "/api/chat", `{"message":"hola"}`, nil)

	rec = do(a.handler, http.MethodGet, "/metrics", "", map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `kinagate_requests_total`)
	assert.Contains(t, body, `route="chat"`)
	assert.Contains(t, body, `kinagate_ratelimit_keys 1`)
}

func TestAppStats(t *testing.T) {
	a := testApp(t, func(c *config.Root) { c.Limits.Forms.MaxRequests = 1 })
	form := `{"name":"Ana","email":"ana@example.com","service":"chatbot"}`

	_ = do(a.handler, http.MethodPost, "/api/demo", form, nil)
	rec := do(a.handler, http.MethodPost, "/api/demo", form, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(a.handler, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":{"Allowed":1,"Denied":1},"by_route":{"demo":{"Allowed":1,"Denied":1}}}`, rec.Body.String())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "kinagate dev (commit none, built unknown)\n", out.String())
}

func TestConfigCommandRedacts(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "AIza-very-secret")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "server:")
	assert.NotContains(t, out.String(), "AIza-very-secret")
}
