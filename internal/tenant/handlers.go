package tenant

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/idgen"
	"github.com/orchardhq/orchard/internal/jobs"
	"github.com/orchardhq/orchard/internal/pagination"
	"github.com/orchardhq/orchard/internal/validation"
)

const defaultPageSize = 50
const maxPageSize = 200

// Provisioner runs the provisioning pipeline for one tenant. Satisfied by
// provision.Pipeline.
type Provisioner interface {
	Provision(ctx context.Context, id string) error
}

// Handler exposes tenant CRUD and lifecycle actions.
type Handler struct {
	store       Store
	provisioner Provisioner
	queue       *jobs.Queue
}

func NewHandler(store Store, provisioner Provisioner, queue *jobs.Queue) *Handler {
	return &Handler{store: store, provisioner: provisioner, queue: queue}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/tenants", h.List)
	r.POST("/tenants", h.Create)
	r.GET("/tenants/:id", h.Get)
	r.PATCH("/tenants/:id", h.Update)
	r.DELETE("/tenants/:id", h.Delete)
	r.POST("/tenants/:id/provision", h.Provision)
	r.POST("/tenants/:id/restore", h.Restore)
	r.GET("/tenants/:id/domains", h.ListDomains)
	r.POST("/tenants/:id/domains", h.AddDomain)
}

type createRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Plan        string `json:"plan"`
	AdminEmail  string `json:"admin_email"`
	Domain      string `json:"domain"`
	NoProvision bool   `json:"no_provision"`
	Sync        bool   `json:"sync"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Slug == "" && req.Name != "" {
		req.Slug = slugify(req.Name)
	}
	if req.Plan == "" {
		req.Plan = string(PlanFree)
	}

	var verrs validation.ValidationErrors
	if req.Name == "" {
		verrs = append(verrs, validation.ValidationError{Field: "name", Message: "name is required"})
	}
	if !validation.IsValidSlug(req.Slug) {
		verrs = append(verrs, validation.ValidationError{Field: "slug", Message: "must be lowercase alphanumeric with hyphens"})
	}
	if !ValidPlan(Plan(req.Plan)) {
		verrs = append(verrs, validation.ValidationError{Field: "plan", Message: "unknown plan"})
	}
	if req.AdminEmail != "" && !validation.IsValidEmail(req.AdminEmail) {
		verrs = append(verrs, validation.ValidationError{Field: "admin_email", Message: "invalid email"})
	}
	if req.Domain != "" && !validation.IsValidDomain(req.Domain) {
		verrs = append(verrs, validation.ValidationError{Field: "domain", Message: "invalid domain"})
	}
	if len(verrs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "details": verrs})
		return
	}

	ctx := c.Request.Context()
	if req.Domain != "" {
		if _, err := h.store.GetByDomain(ctx, req.Domain); err == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "domain_taken", "message": ErrDomainTaken.Error()})
			return
		}
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:         idgen.WithPrefix("ten_"),
		Name:       req.Name,
		Slug:       req.Slug,
		Plan:       Plan(req.Plan),
		Status:     StatusPending,
		AdminEmail: req.AdminEmail,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": err.Error()})
		return
	}

	if req.Domain != "" {
		d := &Domain{
			ID:        idgen.WithPrefix("dom_"),
			TenantID:  t.ID,
			Domain:    strings.ToLower(req.Domain),
			IsPrimary: true,
			CreatedAt: now,
		}
		if err := h.store.AddDomain(ctx, d); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "domain_taken", "message": err.Error()})
			return
		}
	}

	if req.NoProvision {
		c.JSON(http.StatusCreated, t)
		return
	}
	if req.Sync {
		if err := h.provisioner.Provision(ctx, t.ID); err != nil {
			t, _ = h.store.Get(ctx, t.ID)
			c.JSON(http.StatusCreated, gin.H{"tenant": t, "provision_error": err.Error()})
			return
		}
		t, _ = h.store.Get(ctx, t.ID)
		c.JSON(http.StatusCreated, t)
		return
	}
	if err := h.enqueueProvision(t.ID); err != nil {
		c.JSON(http.StatusCreated, gin.H{"tenant": t, "provision_error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t, "provision_queued": true})
}

func (h *Handler) List(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	f := ListFilter{
		Status:         Status(c.Query("status")),
		IncludeDeleted: c.Query("include_deleted") == "true",
		Limit:          limit + 1,
	}
	if cur != nil {
		f.CursorCreatedAt = cur.CreatedAt
		f.CursorID = cur.ID
	}

	tenants, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}

	page, next, more := pagination.ComputePage(tenants, limit, func(t *Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"tenants":     page,
		"next_cursor": next,
		"has_more":    more,
	})
}

func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.lookup(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	domains, err := h.store.ListDomains(ctx, t.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_domains_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t, "domains": domains})
}

type updateRequest struct {
	Name       *string `json:"name"`
	Plan       *string `json:"plan"`
	AdminEmail *string `json:"admin_email"`
}

func (h *Handler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.lookup(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_name", "message": "name cannot be empty"})
			return
		}
		t.Name = *req.Name
	}
	if req.Plan != nil {
		if !ValidPlan(Plan(*req.Plan)) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_plan", "message": ErrUnknownPlan.Error()})
			return
		}
		t.Plan = Plan(*req.Plan)
		t.Config.Features = PlanFeatures(t.Plan)
	}
	if req.AdminEmail != nil {
		if *req.AdminEmail != "" && !validation.IsValidEmail(*req.AdminEmail) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_email", "message": "invalid email"})
			return
		}
		t.AdminEmail = *req.AdminEmail
	}
	if err := h.store.Update(c.Request.Context(), t); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) Delete(c *gin.Context) {
	err := h.store.SoftDelete(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type provisionRequest struct {
	Sync bool `json:"sync"`
}

func (h *Handler) Provision(c *gin.Context) {
	var req provisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	ctx := c.Request.Context()
	t, err := h.lookup(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !t.Provisionable() {
		h.fail(c, ErrNotProvisionable)
		return
	}
	if req.Sync {
		if err := h.provisioner.Provision(ctx, t.ID); err != nil {
			h.fail(c, err)
			return
		}
		t, _ = h.store.Get(ctx, t.ID)
		c.JSON(http.StatusOK, t)
		return
	}
	if err := h.enqueueProvision(t.ID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_full", "message": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tenant_id": t.ID, "provision_queued": true})
}

func (h *Handler) Restore(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.store.Restore(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	t, err := h.store.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) ListDomains(c *gin.Context) {
	t, err := h.lookup(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	domains, err := h.store.ListDomains(c.Request.Context(), t.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_domains_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"domains": domains})
}

type addDomainRequest struct {
	Domain    string `json:"domain"`
	IsPrimary bool   `json:"is_primary"`
}

func (h *Handler) AddDomain(c *gin.Context) {
	var req addDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidDomain(req.Domain) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_domain", "message": "invalid domain"})
		return
	}
	t, err := h.lookup(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if t.SoftDeleted() {
		h.fail(c, ErrTenantDeleted)
		return
	}
	d := &Domain{
		ID:        idgen.WithPrefix("dom_"),
		TenantID:  t.ID,
		Domain:    strings.ToLower(req.Domain),
		IsPrimary: req.IsPrimary,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AddDomain(c.Request.Context(), d); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) lookup(c *gin.Context) (*Tenant, error) {
	return h.store.Get(c.Request.Context(), c.Param("id"))
}

func (h *Handler) enqueueProvision(id string) error {
	return h.queue.Enqueue(jobs.Job{
		Name: "provision_" + id,
		Fn: func(ctx context.Context) error {
			return h.provisioner.Provision(ctx, id)
		},
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": err.Error()})
	case errors.Is(err, ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": err.Error()})
	case errors.Is(err, ErrDomainTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "domain_taken", "message": err.Error()})
	case errors.Is(err, ErrTenantDeleted):
		c.JSON(http.StatusConflict, gin.H{"error": "tenant_deleted", "message": err.Error()})
	case errors.Is(err, ErrNotDeleted):
		c.JSON(http.StatusConflict, gin.H{"error": "not_deleted", "message": err.Error()})
	case errors.Is(err, ErrAlreadyProvisioning):
		c.JSON(http.StatusConflict, gin.H{"error": "already_provisioning", "message": err.Error()})
	case errors.Is(err, ErrNotProvisionable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_provisionable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastHyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
