package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/orchardhq/orchard/internal/idgen"
	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/tenant"
)

// Sweeper periodically evaluates every active tenant and records warnings at
// the level matching each evaluation. It is the only component that creates
// warnings; ad-hoc evaluations are side-effect free.
type Sweeper struct {
	tenants  tenant.Store
	engine   *Engine
	warnings WarningStore
	notifier notify.Notifier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewSweeper(tenants tenant.Store, engine *Engine, warnings WarningStore, notifier notify.Notifier, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		tenants:  tenants,
		engine:   engine,
		warnings: warnings,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in quota sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if err := s.Sweep(ctx); err != nil {
		s.logger.Warn("quota sweep failed", "error", err)
	}
}

// Sweep runs one full evaluation pass over all active tenants.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tenants, err := s.tenants.List(ctx, tenant.ListFilter{Status: tenant.StatusActive})
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	for _, t := range tenants {
		if err := s.sweepTenant(ctx, t); err != nil {
			s.logger.Warn("quota sweep failed for tenant", "tenantId", t.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepTenant(ctx context.Context, t *tenant.Tenant) error {
	for _, qt := range tenant.QuotaTypes {
		ev, err := s.engine.Evaluate(ctx, t, qt)
		if err != nil {
			return err
		}
		if ev.State == StateOK || !ev.Enforced {
			continue
		}

		setting, err := s.engine.ResolveSetting(ctx, t.ID, qt)
		if err != nil {
			return err
		}

		// One active warning per level; re-issuing within the setting's
		// re-notification window is a no-op. An escalation records at a
		// different level and is never suppressed by the lower one.
		level := LevelFor(ev.State)
		if prev, err := s.warnings.LatestActive(ctx, t.ID, qt, level); err == nil {
			if time.Since(prev.CreatedAt) < setting.RenotifyWindow() {
				continue
			}
		} else if err != ErrWarningNotFound {
			return err
		}

		w := &Warning{
			ID:        idgen.WithPrefix("warn_"),
			TenantID:  t.ID,
			QuotaType: qt,
			Level:     level,
			State:     ev.State,
			Usage:     ev.Usage,
			Limit:     ev.Limit,
			Percent:   ev.Percent,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.warnings.Create(ctx, w); err != nil {
			return err
		}
		metrics.QuotaWarningsTotal.WithLabelValues(string(qt)).Inc()

		s.logger.Info("quota warning recorded",
			"tenantId", t.ID, "quotaType", qt, "level", level, "state", ev.State,
			"usage", ev.Usage, "limit", ev.Limit, "percent", ev.Percent)

		_ = s.notifier.Send(ctx, notify.EventQuotaWarning, map[string]any{
			"tenant_id":  t.ID,
			"slug":       t.Slug,
			"quota_type": string(qt),
			"level":      string(level),
			"state":      string(ev.State),
			"usage":      ev.Usage,
			"limit":      ev.Limit,
			"percent":    ev.Percent,
		})
	}
	return nil
}
