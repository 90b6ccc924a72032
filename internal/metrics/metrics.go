// Package metrics provides Prometheus instrumentation for the Orchard control plane.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProvisioningTotal counts provisioning runs by outcome.
	ProvisioningTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "provisioning_total",
			Help:      "Total provisioning pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)

	// ProvisioningStepFailures counts step failures by step name.
	ProvisioningStepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "provisioning_step_failures_total",
			Help:      "Total provisioning step failures by step.",
		},
		[]string{"step"},
	)

	// ProvisioningDuration observes end-to-end pipeline duration.
	ProvisioningDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchard",
		Name:      "provisioning_duration_seconds",
		Help:      "Time from claim to active in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// TenantsPurgedTotal counts permanently purged tenants by trigger.
	TenantsPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "tenants_purged_total",
			Help:      "Total tenants permanently purged by trigger.",
		},
		[]string{"trigger"},
	)

	// PurgeFailuresTotal counts failed purge attempts.
	PurgeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchard",
		Name:      "purge_failures_total",
		Help:      "Total failed tenant purge attempts.",
	})

	// QuotaEvaluationsTotal counts quota evaluations by resulting state.
	QuotaEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "quota_evaluations_total",
			Help:      "Total quota evaluations by resulting state.",
		},
		[]string{"state"},
	)

	// QuotaWarningsTotal counts quota warnings created by quota type.
	QuotaWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "quota_warnings_total",
			Help:      "Total quota warnings created by quota type.",
		},
		[]string{"quota_type"},
	)

	// RateLimitRejectionsTotal counts requests rejected by the rate limiter.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by the rate limiter, by limit type.",
		},
		[]string{"limit_type"},
	)

	// BulkOperationsTotal counts bulk operation items by operation and result.
	BulkOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "bulk_operations_total",
			Help:      "Total bulk operation items by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// NotificationsTotal counts webhook notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "notifications_total",
			Help:      "Total webhook notification deliveries by result.",
		},
		[]string{"result"},
	)

	// JobQueueDepth tracks queued background jobs.
	JobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard",
		Name:      "job_queue_depth",
		Help:      "Number of background jobs waiting for a worker.",
	})

	// ActiveTenants tracks tenants currently in the active state.
	ActiveTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard",
		Name:      "active_tenants",
		Help:      "Number of tenants currently active.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProvisioningTotal,
		ProvisioningStepFailures,
		ProvisioningDuration,
		TenantsPurgedTotal,
		PurgeFailuresTotal,
		QuotaEvaluationsTotal,
		QuotaWarningsTotal,
		RateLimitRejectionsTotal,
		BulkOperationsTotal,
		NotificationsTotal,
		JobQueueDepth,
		ActiveTenants,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
