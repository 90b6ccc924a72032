package quota

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/idgen"
	"github.com/orchardhq/orchard/internal/tenant"
)

// Handler provides HTTP endpoints for quota inspection and enforcement config.
type Handler struct {
	engine   *Engine
	tenants  tenant.Store
	settings SettingsStore
	warnings WarningStore
}

func NewHandler(engine *Engine, tenants tenant.Store, settings SettingsStore, warnings WarningStore) *Handler {
	return &Handler{engine: engine, tenants: tenants, settings: settings, warnings: warnings}
}

// RegisterRoutes sets up quota routes on the admin API group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quota/dashboard", h.Dashboard)
	r.GET("/quota/warnings", h.ListWarnings)
	r.POST("/quota/warnings/:id/dismiss", h.DismissWarning)
	r.GET("/quota/settings", h.ListSettings)
	r.PUT("/quota/settings", h.UpsertSetting)
	r.DELETE("/quota/settings", h.DeleteSetting)
	r.GET("/tenants/:id/quota", h.TenantSummary)
	r.POST("/tenants/:id/quota/check", h.Check)
	r.PUT("/tenants/:id/quota/overrides/:type", h.SetOverride)
	r.DELETE("/tenants/:id/quota/overrides/:type", h.ClearOverride)
}

// Dashboard handles GET /quota/dashboard. One row per active tenant with its
// full evaluation and worst state, for the operator overview page.
func (h *Handler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	tenants, err := h.tenants.List(ctx, tenant.ListFilter{Status: tenant.StatusActive})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	type row struct {
		TenantID    string       `json:"tenantId"`
		Slug        string       `json:"slug"`
		Plan        tenant.Plan  `json:"plan"`
		State       State        `json:"state"`
		Evaluations []Evaluation `json:"evaluations"`
	}

	rows := make([]row, 0, len(tenants))
	for _, t := range tenants {
		evals, err := h.engine.Summary(ctx, t)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		rows = append(rows, row{
			TenantID:    t.ID,
			Slug:        t.Slug,
			Plan:        t.Plan,
			State:       WorstState(evals),
			Evaluations: evals,
		})
	}

	c.JSON(http.StatusOK, gin.H{"tenants": rows, "count": len(rows)})
}

// TenantSummary handles GET /tenants/:id/quota
func (h *Handler) TenantSummary(c *gin.Context) {
	ctx := c.Request.Context()

	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.tenantError(c, err)
		return
	}

	evals, err := h.engine.Summary(ctx, t)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenantId":    t.ID,
		"plan":        t.Plan,
		"state":       WorstState(evals),
		"evaluations": evals,
	})
}

// CheckRequest asks whether delta more units of a quota type fit.
type CheckRequest struct {
	QuotaType string `json:"quota_type" binding:"required"`
	Delta     int64  `json:"delta"`
}

// Check handles POST /tenants/:id/quota/check
func (h *Handler) Check(c *gin.Context) {
	ctx := c.Request.Context()

	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	qt := tenant.QuotaType(req.QuotaType)
	if !tenant.ValidQuotaType(qt) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_quota_type", "message": "unknown quota type: " + req.QuotaType})
		return
	}
	if req.Delta < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_delta", "message": "delta must be non-negative"})
		return
	}

	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.tenantError(c, err)
		return
	}

	ev, err := h.engine.Check(ctx, t, qt, req.Delta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":    ev.State != StateBlocked,
		"evaluation": ev,
	})
}

// OverrideRequest sets an absolute limit override. -1 means unlimited.
type OverrideRequest struct {
	Limit *int64 `json:"limit" binding:"required"`
}

// SetOverride handles PUT /tenants/:id/quota/overrides/:type
func (h *Handler) SetOverride(c *gin.Context) {
	ctx := c.Request.Context()

	qt := tenant.QuotaType(c.Param("type"))
	if !tenant.ValidQuotaType(qt) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_quota_type", "message": "unknown quota type: " + c.Param("type")})
		return
	}

	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if *req.Limit < tenant.Unlimited {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_limit", "message": "limit must be -1 (unlimited) or non-negative"})
		return
	}

	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.tenantError(c, err)
		return
	}

	t.Config.SetOverride(qt, *req.Limit)
	if err := h.tenants.Update(ctx, t); err != nil {
		h.tenantError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ClearOverride handles DELETE /tenants/:id/quota/overrides/:type
func (h *Handler) ClearOverride(c *gin.Context) {
	ctx := c.Request.Context()

	qt := tenant.QuotaType(c.Param("type"))
	if !tenant.ValidQuotaType(qt) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_quota_type", "message": "unknown quota type: " + c.Param("type")})
		return
	}

	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.tenantError(c, err)
		return
	}

	t.Config.ClearOverride(qt)
	if err := h.tenants.Update(ctx, t); err != nil {
		h.tenantError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ListWarnings handles GET /quota/warnings?tenant_id=&include_dismissed=
func (h *Handler) ListWarnings(c *gin.Context) {
	includeDismissed := c.Query("include_dismissed") == "true"

	warnings, err := h.warnings.List(c.Request.Context(), c.Query("tenant_id"), includeDismissed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"warnings": warnings, "count": len(warnings)})
}

// DismissWarning handles POST /quota/warnings/:id/dismiss
func (h *Handler) DismissWarning(c *gin.Context) {
	err := h.warnings.Dismiss(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrWarningNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such warning"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dismissed": true})
}

// ListSettings handles GET /quota/settings?tenant_id=
func (h *Handler) ListSettings(c *gin.Context) {
	settings, err := h.settings.List(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings, "count": len(settings)})
}

// SettingRequest creates or replaces one enforcement setting. An omitted
// critical_percent collapses critical into block; an omitted renotify_days
// takes the default.
type SettingRequest struct {
	TenantID        string `json:"tenant_id"`
	QuotaType       string `json:"quota_type" binding:"required"`
	Enabled         bool   `json:"enabled"`
	WarnPercent     int    `json:"warn_percent"`
	CriticalPercent int    `json:"critical_percent"`
	BlockPercent    int    `json:"block_percent"`
	RenotifyDays    int    `json:"renotify_days"`
}

// UpsertSetting handles PUT /quota/settings
func (h *Handler) UpsertSetting(c *gin.Context) {
	var req SettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	qt := tenant.QuotaType(req.QuotaType)
	if !tenant.ValidQuotaType(qt) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_quota_type", "message": "unknown quota type: " + req.QuotaType})
		return
	}
	if req.WarnPercent < 1 || req.WarnPercent > 100 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_threshold", "message": "warn_percent must be between 1 and 100"})
		return
	}
	if req.CriticalPercent == 0 {
		req.CriticalPercent = req.BlockPercent
	}
	if req.CriticalPercent < req.WarnPercent {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_threshold", "message": "critical_percent must be >= warn_percent"})
		return
	}
	if req.BlockPercent < req.CriticalPercent {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_threshold", "message": "block_percent must be >= critical_percent"})
		return
	}
	if req.RenotifyDays < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_threshold", "message": "renotify_days must be non-negative"})
		return
	}
	if req.RenotifyDays == 0 {
		req.RenotifyDays = DefaultRenotifyDays
	}

	s := &Setting{
		ID:              idgen.WithPrefix("qset_"),
		TenantID:        req.TenantID,
		QuotaType:       qt,
		Enabled:         req.Enabled,
		WarnPercent:     req.WarnPercent,
		CriticalPercent: req.CriticalPercent,
		BlockPercent:    req.BlockPercent,
		RenotifyDays:    req.RenotifyDays,
	}
	if err := h.settings.Upsert(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.engine.InvalidateSettings(s.TenantID)

	c.JSON(http.StatusOK, gin.H{"setting": s})
}

// DeleteSetting handles DELETE /quota/settings?tenant_id=&quota_type=
func (h *Handler) DeleteSetting(c *gin.Context) {
	qt := tenant.QuotaType(c.Query("quota_type"))
	if !tenant.ValidQuotaType(qt) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_quota_type", "message": "unknown quota type: " + c.Query("quota_type")})
		return
	}

	err := h.settings.Delete(c.Request.Context(), c.Query("tenant_id"), qt)
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such setting"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.engine.InvalidateSettings(c.Query("tenant_id"))

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) tenantError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such tenant"})
	case errors.Is(err, tenant.ErrTenantDeleted):
		c.JSON(http.StatusConflict, gin.H{"error": "tenant_deleted", "message": "Tenant is soft-deleted"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
