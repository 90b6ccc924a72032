package ratelimit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/idgen"
	"github.com/orchardhq/orchard/internal/validation"
)

// Handler provides HTTP endpoints for rate limit policy management.
type Handler struct {
	store    Store
	governor *Governor
}

func NewHandler(store Store, governor *Governor) *Handler {
	return &Handler{store: store, governor: governor}
}

// RegisterRoutes sets up rate limit routes on the admin API group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ratelimits", h.List)
	r.POST("/ratelimits", h.Create)
	r.PUT("/ratelimits/:id", h.Update)
	r.DELETE("/ratelimits/:id", h.Delete)
	r.POST("/ratelimits/toggle", h.Toggle)
	r.GET("/tenants/:id/ratelimit/:type", h.Effective)
}

// List handles GET /ratelimits?tenant_id=  ("" lists global rows, "*" lists everything)
func (h *Handler) List(c *gin.Context) {
	tenantID := c.DefaultQuery("tenant_id", "*")

	configs, err := h.store.List(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"configs": configs, "count": len(configs)})
}

// ConfigRequest creates or replaces a rate limit policy.
type ConfigRequest struct {
	TenantID             string   `json:"tenant_id"`
	LimitType            string   `json:"limit_type" binding:"required"`
	RequestsPerWindow    int      `json:"requests_per_window"`
	WindowSeconds        int      `json:"window_seconds"`
	BurstSize            int      `json:"burst_size"`
	BlockDurationSeconds int      `json:"block_duration_seconds"`
	Enabled              *bool    `json:"enabled"`
	AllowedIPs           []string `json:"allowed_ips"`
	DeniedIPs            []string `json:"denied_ips"`
}

func (r *ConfigRequest) toConfig() *LimitConfig {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &LimitConfig{
		TenantID:             r.TenantID,
		LimitType:            LimitType(r.LimitType),
		RequestsPerWindow:    r.RequestsPerWindow,
		WindowSeconds:        r.WindowSeconds,
		BurstSize:            r.BurstSize,
		BlockDurationSeconds: r.BlockDurationSeconds,
		Enabled:              enabled,
		AllowedIPs:           r.AllowedIPs,
		DeniedIPs:            r.DeniedIPs,
	}
}

// Create handles POST /ratelimits
func (h *Handler) Create(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cfg := req.toConfig()
	cfg.ID = idgen.WithPrefix("rl_")
	if err := cfg.Validate(); err != nil {
		h.validationError(c, err)
		return
	}

	if err := h.store.Create(c.Request.Context(), cfg); err != nil {
		if errors.Is(err, ErrDuplicateConfig) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_config", "message": "A config already exists for this tenant and limit type"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.governor.Invalidate(cfg.TenantID)

	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// Update handles PUT /ratelimits/:id
func (h *Handler) Update(c *gin.Context) {
	ctx := c.Request.Context()

	existing, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}

	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cfg := req.toConfig()
	cfg.ID = existing.ID
	// Identity fields are immutable; delete and recreate to move a policy.
	cfg.TenantID = existing.TenantID
	cfg.LimitType = existing.LimitType
	if err := cfg.Validate(); err != nil {
		h.validationError(c, err)
		return
	}

	if err := h.store.Update(ctx, cfg); err != nil {
		h.storeError(c, err)
		return
	}
	h.governor.Invalidate(cfg.TenantID)

	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// Delete handles DELETE /ratelimits/:id
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()

	cfg, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	if err := h.store.Delete(ctx, cfg.ID); err != nil {
		h.storeError(c, err)
		return
	}
	h.governor.Invalidate(cfg.TenantID)

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ToggleRequest flips enforcement for a batch of configs without losing them.
type ToggleRequest struct {
	IDs     []string `json:"ids" binding:"required"`
	Enabled bool     `json:"enabled"`
}

// Toggle handles POST /ratelimits/toggle
func (h *Handler) Toggle(c *gin.Context) {
	ctx := c.Request.Context()

	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	updated := 0
	var failures []gin.H
	for _, id := range req.IDs {
		cfg, err := h.store.Get(ctx, id)
		if err != nil {
			failures = append(failures, gin.H{"id": id, "error": err.Error()})
			continue
		}
		cfg.Enabled = req.Enabled
		if err := h.store.Update(ctx, cfg); err != nil {
			failures = append(failures, gin.H{"id": id, "error": err.Error()})
			continue
		}
		h.governor.Invalidate(cfg.TenantID)
		updated++
	}

	c.JSON(http.StatusOK, gin.H{
		"updated":  updated,
		"failed":   len(failures),
		"failures": failures,
	})
}

// Effective handles GET /tenants/:id/ratelimit/:type
func (h *Handler) Effective(c *gin.Context) {
	lt := LimitType(c.Param("type"))
	if !ValidLimitType(lt) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_limit_type", "message": "unknown limit type: " + c.Param("type")})
		return
	}

	eff, err := h.governor.Resolve(c.Request.Context(), c.Param("id"), lt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"enforced":  eff.Enforced(),
		"effective": eff,
	})
}

func (h *Handler) validationError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "details": verrs})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "message": err.Error()})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrConfigNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such rate limit config"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
