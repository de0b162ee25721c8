package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/gateway"
)

const testToken = "test-token-1234"

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shellgate.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func newTestServer(t *testing.T, cfgYAML string) (*Server, *config.Store) {
	t.Helper()
	store, err := config.NewStore(writeConfig(t, cfgYAML))
	require.NoError(t, err)
	gw := gateway.New(store)
	t.Cleanup(gw.Close)
	return NewServer(gw, store, nil, "test"), store
}

const baseYAML = `
auth_token: test-token-1234
security:
  restrict_working_directory: false
shells:
  sh:
    enabled: true
    command: /bin/sh
    args: ["-c"]
    blocked_operators: ["&", "|", ";"]
`

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/execute", "", executeRequest{Shell: "sh", Command: "echo hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/execute", "wrong-token", executeRequest{Shell: "sh", Command: "echo hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	srv, _ := newTestServer(t, `
security:
  restrict_working_directory: false
shells:
  sh:
    enabled: true
    command: /bin/sh
    args: ["-c"]
`)
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/execute", "", executeRequest{Shell: "sh", Command: "echo open"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	srv, _ := newTestServer(t, baseYAML)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/execute", testToken, executeRequest{Shell: "sh", Command: "echo hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "hello\n", body["output"])
	assert.Equal(t, float64(0), body["exit_code"])
	assert.NotEmpty(t, body["correlation_id"])
}

func TestExecuteBlockedCommand(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/execute", testToken, executeRequest{Shell: "sh", Command: `del C:\work\x`})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation", body["kind"])
	assert.Equal(t, "blocked_command", body["rule"])
	assert.NotEmpty(t, body["correlation_id"])
}

func TestExecuteUnknownShell(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/execute", testToken, executeRequest{Shell: "fish", Command: "echo hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)

	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/execute", testToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSSHExecuteUnknownConnection(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML+`
ssh:
  enabled: true
  connections:
    build-server:
      host: 10.0.0.5
      username: ci
      password: secret
`)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/ssh/execute", testToken, sshExecuteRequest{Connection: "missing", Command: "uptime"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSHExecuteBlockedBeforeDial(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML+`
ssh:
  enabled: true
  connections:
    build-server:
      host: 10.0.0.5
      username: ci
      password: secret
`)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/ssh/execute", testToken, sshExecuteRequest{Connection: "build-server", Command: "shutdown -h now"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "blocked_command", body["rule"])
}

func TestValidateDirectories(t *testing.T) {
	srv, _ := newTestServer(t, `
auth_token: test-token-1234
security:
  restrict_working_directory: true
  allowed_paths: ["C:\\work"]
shells:
  sh:
    enabled: true
    command: /bin/sh
    args: ["-c"]
`)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/directories/validate", testToken, map[string]any{
		"paths": []string{`C:\work\sub`, `D:\other`},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["all_pass"])
	assert.Equal(t, []any{`D:\other`}, body["failing"])

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/directories/validate", testToken, map[string]any{"paths": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	store, err := config.NewStore(writeConfig(t, baseYAML))
	require.NoError(t, err)
	gw := gateway.New(store)
	t.Cleanup(gw.Close)
	srv := NewServer(gw, store, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "test")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", testToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCwdRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, baseYAML)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/cwd", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["path"])
}
