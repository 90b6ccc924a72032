package ratelimit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/orchardhq/orchard/internal/tenant"
)

func newRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	governor := NewGovernor(store, tenant.NewMemoryStore())

	r := gin.New()
	NewHandler(store, governor).RegisterRoutes(r.Group("/admin"))
	return r, store
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateValidateAndDuplicate(t *testing.T) {
	r, store := newRouter(t)

	w := doJSON(r, "POST", "/admin/ratelimits", gin.H{
		"tenant_id": "ten_1", "limit_type": "api",
		"requests_per_window": 500, "window_seconds": 60,
		"block_duration_seconds": 120,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	configs, err := store.List(nil, "ten_1")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, 120, configs[0].BlockDurationSeconds)

	// Same (tenant, type) pair again
	w = doJSON(r, "POST", "/admin/ratelimits", gin.H{
		"tenant_id": "ten_1", "limit_type": "api",
		"requests_per_window": 100, "window_seconds": 60,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Window out of range
	w = doJSON(r, "POST", "/admin/ratelimits", gin.H{
		"limit_type": "api", "requests_per_window": 100, "window_seconds": 90000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Garbage IP entry
	w = doJSON(r, "POST", "/admin/ratelimits", gin.H{
		"limit_type": "web", "requests_per_window": 100, "window_seconds": 60,
		"denied_ips": []string{"not-an-ip"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Negative penalty window
	w = doJSON(r, "POST", "/admin/ratelimits", gin.H{
		"limit_type": "web", "requests_per_window": 100, "window_seconds": 60,
		"block_duration_seconds": -5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandler_UpdatePreservesIdentity(t *testing.T) {
	r, store := newRouter(t)

	w := doJSON(r, "POST", "/admin/ratelimits", gin.H{
		"tenant_id": "ten_1", "limit_type": "api",
		"requests_per_window": 500, "window_seconds": 60,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Config LimitConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(r, "PUT", "/admin/ratelimits/"+created.Config.ID, gin.H{
		"tenant_id": "ten_other", "limit_type": "web", // ignored
		"requests_per_window": 250, "window_seconds": 30,
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := store.Get(nil, created.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, "ten_1", got.TenantID)
	assert.Equal(t, LimitAPI, got.LimitType)
	assert.Equal(t, 250, got.RequestsPerWindow)

	w = doJSON(r, "PUT", "/admin/ratelimits/rl_missing", gin.H{
		"limit_type": "api", "requests_per_window": 1, "window_seconds": 60,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_BulkToggle(t *testing.T) {
	r, store := newRouter(t)

	for _, lt := range []string{"api", "web"} {
		w := doJSON(r, "POST", "/admin/ratelimits", gin.H{
			"tenant_id": "ten_1", "limit_type": lt,
			"requests_per_window": 100, "window_seconds": 60,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	configs, err := store.List(nil, "ten_1")
	require.NoError(t, err)
	require.Len(t, configs, 2)

	w := doJSON(r, "POST", "/admin/ratelimits/toggle", gin.H{
		"ids":     []string{configs[0].ID, configs[1].ID, "rl_missing"},
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Updated int `json:"updated"`
		Failed  int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Updated)
	assert.Equal(t, 1, resp.Failed)

	for _, c := range configs {
		got, _ := store.Get(nil, c.ID)
		assert.False(t, got.Enabled)
	}
}

func TestHandler_Effective(t *testing.T) {
	r, store := newRouter(t)

	require.NoError(t, store.Create(nil, &LimitConfig{
		ID: "rl_global", LimitType: LimitWeb,
		RequestsPerWindow: 1000, WindowSeconds: 60, Enabled: true,
	}))

	w := doJSON(r, "GET", "/admin/tenants/ten_1/ratelimit/web", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Enforced  bool      `json:"enforced"`
		Effective Effective `json:"effective"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Enforced)
	assert.Equal(t, "global", resp.Effective.Source)

	w = doJSON(r, "GET", "/admin/tenants/ten_1/ratelimit/bananas", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
