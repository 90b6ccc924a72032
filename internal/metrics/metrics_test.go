package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("Expected non-empty metrics response")
	}

	// Gauges always appear; counters/histograms only after first observation.
	for _, name := range []string{
		"orchard_active_tenants",
		"orchard_job_queue_depth",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	// Trigger a counter so we can verify it appears
	ProvisioningTotal.WithLabelValues("success").Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	if !strings.Contains(body, "orchard_provisioning_total") {
		t.Error("Expected orchard_provisioning_total after incrementing")
	}
}

func TestCounters_Increment(t *testing.T) {
	TenantsPurgedTotal.Reset()
	TenantsPurgedTotal.WithLabelValues("retention").Inc()
	TenantsPurgedTotal.WithLabelValues("retention").Inc()

	counter, err := TenantsPurgedTotal.GetMetricWithLabelValues("retention")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
