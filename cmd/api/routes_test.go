package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"calldispatch/internal/app"
	"calldispatch/internal/config"
	"calldispatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `
templates:
  - id: reminder
    name: Appointment reminder
    required_variables: [name]
subscriptions:
  - user_id: u1
    call_limit: 5
`

// newTestApp builds a memory-backed app whose only provider is an httptest
// server that accepts every call.
func newTestApp(t *testing.T) (*app.App, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"call_id":"prov-call-1"}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(provider.Close)

	dir := t.TempDir()
	catalog := filepath.Join(dir, "providers.yaml")
	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte("providers:\n  - id: voice-a\n    kind: http\n    concurrency_limit: 1\n    base_url: "+provider.URL+"\n"), 0o600))
	require.NoError(t, os.WriteFile(seed, []byte(testSeed), 0o600))

	cfg := config.Config{
		App:     config.AppConfig{Env: "local"},
		Store:   config.StoreConfig{ProvidersFile: catalog, SeedFile: seed},
		Auth:    config.AuthConfig{JWTSecret: "routes-secret"},
		Webhook: config.WebhookConfig{Secret: "hook-secret"},
	}
	require.NoError(t, cfg.Validate())

	a, err := app.New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, newRouter(a)
}

func bearer(t *testing.T, a *app.App, userID, role string) string {
	t.Helper()
	pair, err := a.Auth.IssuePair(time.Now(), userID, role)
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func do(r *gin.Engine, method, path, auth string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProbes(t *testing.T) {
	_, r := newTestApp(t)

	w := do(r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dispatching":false`)
}

func TestV1RequiresToken(t *testing.T) {
	_, r := newTestApp(t)
	w := do(r, http.MethodGet, "/v1/calls", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireStaff(t *testing.T) {
	a, r := newTestApp(t)
	w := do(r, http.MethodPost, "/v1/admin/dispatch/run", bearer(t, a, "u1", "user"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	a, r := newTestApp(t)
	user := bearer(t, a, "u1", "user")
	operator := bearer(t, a, "ops-1", "operator")

	w := do(r, http.MethodPost, "/v1/calls", user, map[string]any{
		"template_id":      "reminder",
		"recipient_number": "+15550001111",
		"custom_variables": map[string]string{"name": "Ada"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var admitted struct {
		CallID string `json:"call_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &admitted))
	assert.Equal(t, "queued", admitted.Status)

	w = do(r, http.MethodPost, "/v1/admin/dispatch/run", operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"accepted":1`)

	w = do(r, http.MethodGet, "/v1/calls/"+admitted.CallID, user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"in_progress"`)

	// A dispatched call can no longer be cancelled.
	w = do(r, http.MethodPost, "/v1/calls/"+admitted.CallID+"/cancel", user, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	completion := map[string]any{"provider_call_id": "prov-call-1", "duration_seconds": 42, "transcript": "hello"}
	w = do(r, http.MethodPost, "/webhooks/providers/voice-a/completed", "", completion)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/providers/voice-a/completed",
		bytes.NewBufferString(`{"provider_call_id":"prov-call-1","duration_seconds":42,"transcript":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w = do(r, http.MethodGet, "/v1/calls/"+admitted.CallID, user, nil)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = do(r, http.MethodGet, "/v1/reports/calls", user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary struct {
		TotalCalls           int `json:"total_calls"`
		CompletedCalls       int `json:"completed_calls"`
		TotalDurationSeconds int `json:"total_duration_seconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalCalls)
	assert.Equal(t, 1, summary.CompletedCalls)
	assert.Equal(t, 42, summary.TotalDurationSeconds)
}

func TestRefreshRoute(t *testing.T) {
	a, r := newTestApp(t)
	pair, err := a.Auth.IssuePair(time.Now(), "u1", "user")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "access_token")
}
