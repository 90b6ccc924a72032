package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger := New(level, "text")
		assert.NotNil(t, logger, "level %s", level)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	logger := New("info", "json")
	assert.NotNil(t, logger)
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req_123")
	assert.Equal(t, "req_123", RequestID(ctx))
}

func TestTenantID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantID(ctx))

	ctx = WithTenantID(ctx, "ten_abc")
	assert.Equal(t, "ten_abc", TenantID(ctx))
}

func TestFromContext_Fallback(t *testing.T) {
	// No logger in context: must fall back to the default, never nil.
	assert.NotNil(t, FromContext(context.Background()))
}

func TestL_IncludesContextFields(t *testing.T) {
	base := slog.Default()
	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req_9")
	ctx = WithTenantID(ctx, "ten_9")

	logger := L(ctx)
	assert.NotNil(t, logger)
	assert.NotEqual(t, base, logger) // request_id/tenant_id attrs were attached
}
