package bulkops

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/tenant"
)

// Handler exposes the bulk dispatcher over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/bulk", h.Execute)
	r.POST("/bulk/preview", h.Preview)
}

type bulkRequest struct {
	TenantIDs []string       `json:"tenant_ids"`
	Operation string         `json:"operation"`
	Options   map[string]any `json:"options"`
	Async     bool           `json:"async"`
}

func (h *Handler) Execute(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	op, ok := h.parse(c, &req)
	if !ok {
		return
	}
	res, err := h.dispatcher.Execute(c.Request.Context(), req.TenantIDs, op, req.Async)
	if err != nil {
		if errors.Is(err, ErrNoTenants) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_tenants", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bulk_failed", "message": err.Error()})
		return
	}
	if req.Async {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Preview(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	op, ok := h.parse(c, &req)
	if !ok {
		return
	}
	items, err := h.dispatcher.Preview(c.Request.Context(), req.TenantIDs, op)
	if err != nil {
		if errors.Is(err, ErrNoTenants) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_tenants", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preview_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op.Name(), "items": items})
}

func (h *Handler) parse(c *gin.Context, req *bulkRequest) (Operation, bool) {
	op, err := ParseOperation(req.Operation, req.Options)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownOperation):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_operation", "message": err.Error()})
		case errors.Is(err, ErrMissingPlanID), errors.Is(err, tenant.ErrUnknownPlan):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_options", "message": err.Error()})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_operation", "message": err.Error()})
		}
		return nil, false
	}
	return op, true
}
