package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/tenant"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 600, // 10 per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestLimiterBlockDuration(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 600, // 10 per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	allowed, wait := limiter.AllowPolicy(key, 600, 1, 2)
	if !allowed || wait != 0 {
		t.Errorf("First request should be allowed, got allowed=%v wait=%d", allowed, wait)
	}

	allowed, wait = limiter.AllowPolicy(key, 600, 1, 2)
	if allowed {
		t.Error("Second immediate request should be denied")
	}
	if wait != 2 {
		t.Errorf("Expected retry after 2s, got %d", wait)
	}

	// At 10 tokens/sec the bucket would have recovered by now, but the
	// penalty window holds.
	time.Sleep(150 * time.Millisecond)
	allowed, wait = limiter.AllowPolicy(key, 600, 1, 2)
	if allowed {
		t.Error("Request during penalty window should be denied")
	}
	if wait < 1 || wait > 2 {
		t.Errorf("Expected remaining wait in [1,2], got %d", wait)
	}

	// Without a penalty the same pattern recovers token by token.
	allowed, _ = limiter.AllowPolicy("other", 600, 1, 0)
	if !allowed {
		t.Error("First request on fresh key should be allowed")
	}
	allowed, wait = limiter.AllowPolicy("other", 600, 1, 0)
	if allowed {
		t.Error("Second immediate request should be denied")
	}
	if wait != 1 {
		t.Errorf("Expected retry after 1s without penalty, got %d", wait)
	}
	time.Sleep(150 * time.Millisecond)
	if allowed, _ = limiter.AllowPolicy("other", 600, 1, 0); !allowed {
		t.Error("Request after replenishment should be allowed without penalty")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("Expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

func TestTenantMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := NewMemoryStore()
	tenants := tenant.NewMemoryStore()
	g := NewGovernor(store, tenants)
	if err := store.Create(ctx, &LimitConfig{
		ID: "rl_acme", TenantID: "ten_acme", LimitType: LimitAPI,
		RequestsPerWindow: 60, WindowSeconds: 60, BurstSize: 1, Enabled: true,
		AllowedIPs: []string{"10.0.0.1"},
		DeniedIPs:  []string{"192.0.2.0/24"},
	}); err != nil {
		t.Fatalf("create config: %v", err)
	}

	limiter := New(DefaultConfig())
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.TenantMiddleware(g))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(tenantID, remoteAddr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tenantID != "" {
			req.Header.Set(TenantHeader, tenantID)
		}
		req.RemoteAddr = remoteAddr
		router.ServeHTTP(w, req)
		return w.Code
	}

	// No tenant header falls through.
	if code := get("", "203.0.113.5:1000"); code != http.StatusOK {
		t.Errorf("expected 200 without tenant header, got %d", code)
	}

	// Denied range is rejected outright.
	if code := get("ten_acme", "192.0.2.9:1000"); code != http.StatusForbidden {
		t.Errorf("expected 403 for denied IP, got %d", code)
	}

	// Allow-listed address skips the bucket entirely.
	for i := 0; i < 5; i++ {
		if code := get("ten_acme", "10.0.0.1:1000"); code != http.StatusOK {
			t.Errorf("expected 200 for allowed IP, got %d", code)
		}
	}

	// Everyone else spends tokens; burst 1 means the second request is limited.
	if code := get("ten_acme", "203.0.113.5:1000"); code != http.StatusOK {
		t.Errorf("expected first request to pass, got %d", code)
	}
	if code := get("ten_acme", "203.0.113.5:1000"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}

	// Tenants with no config anywhere are unenforced.
	for i := 0; i < 3; i++ {
		if code := get("ten_other", "203.0.113.5:1000"); code != http.StatusOK {
			t.Errorf("expected 200 for unenforced tenant, got %d", code)
		}
	}
}

func TestTenantMiddlewareBlockDuration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := NewMemoryStore()
	tenants := tenant.NewMemoryStore()
	g := NewGovernor(store, tenants)
	if err := store.Create(ctx, &LimitConfig{
		ID: "rl_acme", TenantID: "ten_acme", LimitType: LimitAPI,
		RequestsPerWindow: 600, WindowSeconds: 60, BurstSize: 1,
		BlockDurationSeconds: 30, Enabled: true,
	}); err != nil {
		t.Fatalf("create config: %v", err)
	}

	limiter := New(DefaultConfig())
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.TenantMiddleware(g))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantHeader, "ten_acme")
		req.RemoteAddr = "203.0.113.5:1000"
		router.ServeHTTP(w, req)
		return w
	}

	if w := get(); w.Code != http.StatusOK {
		t.Errorf("expected first request to pass, got %d", w.Code)
	}

	w := get()
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", w.Code)
	}
	var resp struct {
		RetryAfter int `json:"retry_after"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RetryAfter != 30 {
		t.Errorf("expected retry_after 30, got %d", resp.RetryAfter)
	}

	// The key stays locked out even though the bucket would have refilled.
	time.Sleep(150 * time.Millisecond)
	if w := get(); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 during penalty window, got %d", w.Code)
	}
}
