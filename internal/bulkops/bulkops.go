// Package bulkops applies a single administrative operation across a batch
// of tenants, tolerating per-tenant failures.
package bulkops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchardhq/orchard/internal/jobs"
	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/quota"
	"github.com/orchardhq/orchard/internal/tenant"
)

var (
	ErrUnknownOperation = errors.New("unknown bulk operation")
	ErrMissingPlanID    = errors.New("update_plan requires plan_id")
	ErrNoTenants        = errors.New("no tenant ids given")
	ErrNotSuspendable   = errors.New("tenant cannot be suspended")
	ErrNotActivatable   = errors.New("tenant cannot be activated")
)

// Operation is one of the closed set of bulk actions. Options are carried
// on the concrete type and validated in ParseOperation, before any tenant
// is touched.
type Operation interface {
	Name() string
	apply(ctx context.Context, d *Dispatcher, t *tenant.Tenant) error
	preview(t *tenant.Tenant) (string, string)
}

type Suspend struct{}

func (Suspend) Name() string { return "suspend" }

func (Suspend) apply(ctx context.Context, d *Dispatcher, t *tenant.Tenant) error {
	if t.Status == tenant.StatusSuspended {
		return nil
	}
	if t.Status != tenant.StatusActive {
		return fmt.Errorf("%w: status is %s", ErrNotSuspendable, t.Status)
	}
	t.Status = tenant.StatusSuspended
	return d.store.Update(ctx, t)
}

func (Suspend) preview(t *tenant.Tenant) (string, string) {
	if t.Status == tenant.StatusActive {
		return "suspend tenant", "active tenant will lose access immediately"
	}
	return "suspend tenant", ""
}

type Activate struct{}

func (Activate) Name() string { return "activate" }

func (Activate) apply(ctx context.Context, d *Dispatcher, t *tenant.Tenant) error {
	if t.Status == tenant.StatusActive {
		return nil
	}
	if t.Status != tenant.StatusSuspended {
		return fmt.Errorf("%w: status is %s", ErrNotActivatable, t.Status)
	}
	t.Status = tenant.StatusActive
	return d.store.Update(ctx, t)
}

func (Activate) preview(t *tenant.Tenant) (string, string) {
	return "activate tenant", ""
}

type SoftDelete struct{}

func (SoftDelete) Name() string { return "delete" }

func (SoftDelete) apply(ctx context.Context, d *Dispatcher, t *tenant.Tenant) error {
	return d.store.SoftDelete(ctx, t.ID, time.Now().UTC())
}

func (SoftDelete) preview(t *tenant.Tenant) (string, string) {
	return "soft delete tenant", "tenant will be purged after the retention period"
}

type UpdatePlan struct {
	Plan tenant.Plan
}

func (UpdatePlan) Name() string { return "update_plan" }

func (op UpdatePlan) apply(ctx context.Context, d *Dispatcher, t *tenant.Tenant) error {
	t.Plan = op.Plan
	t.Config.Features = tenant.PlanFeatures(op.Plan)
	return d.store.Update(ctx, t)
}

func (op UpdatePlan) preview(t *tenant.Tenant) (string, string) {
	desc := fmt.Sprintf("change plan %s -> %s", t.Plan, op.Plan)
	if t.Plan == op.Plan {
		return desc, "tenant is already on this plan"
	}
	return desc, ""
}

type ResetQuota struct{}

func (ResetQuota) Name() string { return "reset_quota" }

func (ResetQuota) apply(ctx context.Context, d *Dispatcher, t *tenant.Tenant) error {
	warnings, err := d.warnings.List(ctx, t.ID, false)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, w := range warnings {
		if err := d.warnings.Dismiss(ctx, w.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (ResetQuota) preview(t *tenant.Tenant) (string, string) {
	return "dismiss active quota warnings", ""
}

// ParseOperation resolves an operation name and its options into a typed
// Operation. Option errors are reported here, before dispatch.
func ParseOperation(name string, options map[string]any) (Operation, error) {
	switch name {
	case "suspend":
		return Suspend{}, nil
	case "activate":
		return Activate{}, nil
	case "delete":
		return SoftDelete{}, nil
	case "update_plan":
		planID, _ := options["plan_id"].(string)
		if planID == "" {
			return nil, ErrMissingPlanID
		}
		plan := tenant.Plan(planID)
		if !tenant.ValidPlan(plan) {
			return nil, fmt.Errorf("%w: %s", tenant.ErrUnknownPlan, planID)
		}
		return UpdatePlan{Plan: plan}, nil
	case "reset_quota":
		return ResetQuota{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
}

// ItemError records one tenant's failure within a batch.
type ItemError struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// Result aggregates a batch run. For async dispatch only Total and Queued
// are meaningful.
type Result struct {
	Operation string      `json:"operation"`
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Queued    bool        `json:"queued"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// PreviewItem describes what an operation would do to one tenant.
type PreviewItem struct {
	TenantID    string `json:"tenant_id"`
	Slug        string `json:"slug,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description"`
	Warning     string `json:"warning,omitempty"`
}

// Dispatcher runs bulk operations against the tenant store.
type Dispatcher struct {
	store    tenant.Store
	warnings quota.WarningStore
	queue    *jobs.Queue
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewDispatcher(store tenant.Store, warnings quota.WarningStore, queue *jobs.Queue, notifier notify.Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		warnings: warnings,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
	}
}

// Execute applies op to every tenant in ids. With async=true the batch is
// enqueued as a single job and the returned Result reports only the count.
func (d *Dispatcher) Execute(ctx context.Context, ids []string, op Operation, async bool) (*Result, error) {
	if len(ids) == 0 {
		return nil, ErrNoTenants
	}
	if async {
		batch := make([]string, len(ids))
		copy(batch, ids)
		err := d.queue.Enqueue(jobs.Job{
			Name: "bulk_" + op.Name(),
			Fn: func(jctx context.Context) error {
				d.runBatch(jctx, batch, op)
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		return &Result{Operation: op.Name(), Total: len(ids), Queued: true}, nil
	}
	return d.runBatch(ctx, ids, op), nil
}

// Preview projects the operation over current tenant state without mutating
// anything.
func (d *Dispatcher) Preview(ctx context.Context, ids []string, op Operation) ([]PreviewItem, error) {
	if len(ids) == 0 {
		return nil, ErrNoTenants
	}
	items := make([]PreviewItem, 0, len(ids))
	for _, id := range ids {
		t, err := d.store.Get(ctx, id)
		if err != nil {
			items = append(items, PreviewItem{TenantID: id, Description: op.Name(), Warning: err.Error()})
			continue
		}
		desc, warn := op.preview(t)
		if t.SoftDeleted() && op.Name() != "delete" {
			warn = "tenant is soft deleted"
		}
		items = append(items, PreviewItem{
			TenantID:    t.ID,
			Slug:        t.Slug,
			Status:      string(t.Status),
			Description: desc,
			Warning:     warn,
		})
	}
	return items, nil
}

func (d *Dispatcher) runBatch(ctx context.Context, ids []string, op Operation) *Result {
	res := &Result{Operation: op.Name(), Total: len(ids)}
	for _, id := range ids {
		if err := d.applyOne(ctx, id, op); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{TenantID: id, Error: err.Error()})
			metrics.BulkOperationsTotal.WithLabelValues(op.Name(), "failure").Inc()
			d.logger.Warn("bulk operation item failed",
				"operation", op.Name(), "tenant_id", id, "error", err)
			continue
		}
		res.Succeeded++
		metrics.BulkOperationsTotal.WithLabelValues(op.Name(), "success").Inc()
	}
	if res.Failed > 0 {
		if err := d.notifier.Send(ctx, notify.EventBulkOperationFailed, map[string]any{
			"operation": op.Name(),
			"total":     res.Total,
			"failed":    res.Failed,
		}); err != nil {
			d.logger.Warn("bulk failure notification failed", "error", err)
		}
	}
	return res
}

func (d *Dispatcher) applyOne(ctx context.Context, id string, op Operation) error {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.SoftDeleted() && op.Name() != "delete" {
		return tenant.ErrTenantDeleted
	}
	return op.apply(ctx, d, t)
}
