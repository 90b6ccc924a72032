package purge

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/tenant"
)

// Handler exposes manual purge and cleanup runs.
type Handler struct {
	purger *Purger
}

func NewHandler(purger *Purger) *Handler {
	return &Handler{purger: purger}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/purge/eligible", h.Eligible)
	r.POST("/purge/run", h.Run)
	r.POST("/purge/cleanup-failed", h.CleanupFailed)
	r.POST("/purge/cleanup-abandoned", h.CleanupAbandoned)
	r.POST("/tenants/:id/purge", h.PurgeTenant)
}

func (h *Handler) Eligible(c *gin.Context) {
	tenants, err := h.purger.Eligible(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "eligible_failed", "message": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, gin.H{"id": t.ID, "slug": t.Slug, "deleted_at": t.DeletedAt})
	}
	c.JSON(http.StatusOK, gin.H{"tenants": out})
}

type runRequest struct {
	Force  bool `json:"force"`
	DryRun bool `json:"dry_run"`
}

func (h *Handler) Run(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	res, err := h.purger.PurgeExpired(c.Request.Context(), req.Force, req.DryRun)
	if err != nil {
		if errors.Is(err, ErrRetentionDisabled) {
			c.JSON(http.StatusConflict, gin.H{"error": "retention_disabled", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CleanupFailed(c *gin.Context) {
	h.cleanup(c, h.purger.CleanupFailed)
}

func (h *Handler) CleanupAbandoned(c *gin.Context) {
	h.cleanup(c, h.purger.CleanupAbandoned)
}

func (h *Handler) cleanup(c *gin.Context, fn func(ctx context.Context, dryRun bool) (*Result, error)) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	res, err := fn(c.Request.Context(), req.DryRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) PurgeTenant(c *gin.Context) {
	err := h.purger.PurgeTenant(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"purged": true})
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": err.Error()})
	case errors.Is(err, tenant.ErrNotDeleted):
		c.JSON(http.StatusConflict, gin.H{"error": "not_deleted", "message": err.Error()})
	case errors.Is(err, ErrRetentionDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": "retention_disabled", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge_failed", "message": err.Error()})
	}
}
