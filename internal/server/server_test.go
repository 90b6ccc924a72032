package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/orchardhq/orchard/internal/config"
)

const testAdminSecret = "test-admin-secret"

func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "development",
		LogLevel: "error",

		TenantDBPrefix: "orchard_tenant_",
		BaseDomain:     "orchard.test",

		Retention: config.RetentionConfig{
			Enabled:   true,
			AutoPurge: true,
			Period:    30 * 24 * time.Hour,
		},
		PurgeSweepInterval: time.Hour,
		QuotaSweepInterval: time.Hour,
		FailedTenantMaxAge: 7 * 24 * time.Hour,
		AbandonedMaxAge:    48 * time.Hour,

		JobWorkers:   2,
		JobQueueSize: 64,

		AdminSecret:  testAdminSecret,
		RateLimitRPM: 10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin-Secret", testAdminSecret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "in-memory")

	w = do(t, s, http.MethodGet, "/health/live", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started.
	w = do(t, s, http.MethodGet, "/health/ready", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/admin/v1/tenants", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/admin/v1/tenants", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orchard_")
}

func TestTenantLifecycleThroughAPI(t *testing.T) {
	s := newTestServer(t)

	// Create and provision synchronously.
	w := do(t, s, http.MethodPost, "/admin/v1/tenants", gin.H{
		"name": "Acme Corp", "plan": "starter", "admin_email": "owner@acme.test", "sync": true,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		ID     string `json:"id"`
		Slug   string `json:"slug"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "acme-corp", created.Slug)
	assert.Equal(t, "active", created.Status)

	// Tenant health shows the database present and migrated.
	w = do(t, s, http.MethodGet, "/admin/v1/tenants/"+created.ID+"/health", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"present"`)

	// Quota summary is reachable.
	w = do(t, s, http.MethodGet, "/admin/v1/tenants/"+created.ID+"/quota", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	// Effective rate limit falls back to the plan default.
	w = do(t, s, http.MethodGet, "/admin/v1/tenants/"+created.ID+"/ratelimit/api", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "plan")

	// Flush clears cached state.
	w = do(t, s, http.MethodPost, "/admin/v1/tenants/"+created.ID+"/flush", gin.H{"all": true}, true)
	assert.Equal(t, http.StatusOK, w.Code)

	// Soft delete, then purge via the admin endpoint fails inside the
	// retention window only for expired sweeps; manual purge is allowed.
	w = do(t, s, http.MethodDelete, "/admin/v1/tenants/"+created.ID, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/admin/v1/tenants/"+created.ID+"/purge", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/admin/v1/tenants/"+created.ID, nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkThroughAPI(t *testing.T) {
	s := newTestServer(t)

	ids := make([]string, 0, 2)
	for _, name := range []string{"One Corp", "Two Corp"} {
		w := do(t, s, http.MethodPost, "/admin/v1/tenants", gin.H{
			"name": name, "plan": "free", "sync": true,
		}, true)
		require.Equal(t, http.StatusCreated, w.Code)
		var created struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		ids = append(ids, created.ID)
	}

	w := do(t, s, http.MethodPost, "/admin/v1/bulk", gin.H{
		"tenant_ids": ids, "operation": "suspend",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"succeeded":2`)

	w = do(t, s, http.MethodGet, "/admin/v1/tenants/"+ids[0], nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "suspended")
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", nil, false)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
