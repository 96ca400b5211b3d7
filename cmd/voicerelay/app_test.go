package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicerelay/internal/core/services"
	"voicerelay/pkg/config"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func serveApp(a *app, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestApp_HealthAndReadiness(t *testing.T) {
	a := newTestApp(t, nil)

	w := serveApp(a, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	// no OPENAI_API_KEY: alive but not ready
	w = serveApp(a, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "relay_config")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestApp_ReadyWhenConfigured(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Upstream.APIKey = "sk-test"
		cfg.Auth.Mode = config.AuthModePublic
	})

	w := serveApp(a, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApp_RelayRoutePreconditions(t *testing.T) {
	a := newTestApp(t, nil)

	w := serveApp(a, httptest.NewRequest(http.MethodGet, "/v1/realtime", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	w = serveApp(a, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "service not configured")
}

func TestApp_Metrics(t *testing.T) {
	a := newTestApp(t, nil)

	w := serveApp(a, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicerelay_connections_active")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestApp_RoomRoutesRequireIdentity(t *testing.T) {
	const secret = "test-secret"
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Identity.JWTSecret = secret
	})

	w := serveApp(a, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/lobby", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, services.Claims{
		Role: "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/lobby", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w = serveApp(a, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a := newTestApp(t, nil)
	assert.NoError(t, a.Close(context.Background()))
	assert.NoError(t, a.Close(context.Background()))
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "voicerelay "))
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	require.NoError(t, writeFile(path, "auth:\n  mode: sometimes\n"))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", path})
	assert.Error(t, cmd.Execute())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
