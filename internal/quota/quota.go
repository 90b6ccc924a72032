// Package quota implements the quota enforcement engine: resolving effective
// limits (tenant override over plan default), evaluating usage against them,
// and recording warnings when tenants approach or cross their ceilings.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/syncutil"
	"github.com/orchardhq/orchard/internal/tenant"
)

var (
	ErrWarningNotFound = errors.New("quota: warning not found")
	ErrSettingNotFound = errors.New("quota: setting not found")
)

// State classifies how close usage is to the effective limit.
type State string

const (
	StateOK       State = "ok"
	StateWarning  State = "warning"
	StateCritical State = "critical"
	StateBlocked  State = "blocked"
)

// severityRank orders states from least to most severe.
func severityRank(s State) int {
	switch s {
	case StateWarning:
		return 1
	case StateCritical:
		return 2
	case StateBlocked:
		return 3
	}
	return 0
}

// Default enforcement thresholds, used when no setting row exists.
const (
	DefaultWarnPercent     = 80
	DefaultCriticalPercent = 90
	DefaultBlockPercent    = 100
	DefaultRenotifyDays    = 1
)

// Setting controls enforcement of one quota type. TenantID is empty for the
// global default row; a tenant-specific row shadows the global one. The
// thresholds are monotone: warn <= critical <= block.
type Setting struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenantId,omitempty"`
	QuotaType       tenant.QuotaType `json:"quotaType"`
	Enabled         bool             `json:"enabled"`
	WarnPercent     int              `json:"warnPercent"`
	CriticalPercent int              `json:"criticalPercent"`
	BlockPercent    int              `json:"blockPercent"`
	RenotifyDays    int              `json:"renotifyDays"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// RenotifyWindow is how long an active warning of a level suppresses a new
// one for the same (tenant, quota type, level).
func (s *Setting) RenotifyWindow() time.Duration {
	days := s.RenotifyDays
	if days < 1 {
		days = DefaultRenotifyDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// DefaultSetting is the built-in enforcement policy for a quota type.
func DefaultSetting(qt tenant.QuotaType) *Setting {
	return &Setting{
		QuotaType:       qt,
		Enabled:         true,
		WarnPercent:     DefaultWarnPercent,
		CriticalPercent: DefaultCriticalPercent,
		BlockPercent:    DefaultBlockPercent,
		RenotifyDays:    DefaultRenotifyDays,
	}
}

// Warning records one threshold crossing. Level is the warning's severity
// bucket (warning or critical; a blocked evaluation records at critical).
// Warnings stay visible until an operator dismisses them.
type Warning struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	QuotaType   tenant.QuotaType `json:"quotaType"`
	Level       State            `json:"level"`
	State       State            `json:"state"`
	Usage       int64            `json:"usage"`
	Limit       int64            `json:"limit"`
	Percent     int              `json:"percent"`
	CreatedAt   time.Time        `json:"createdAt"`
	DismissedAt *time.Time       `json:"dismissedAt,omitempty"`
}

// LevelFor maps an evaluation state to the warning level it records at.
func LevelFor(s State) State {
	if severityRank(s) >= severityRank(StateCritical) {
		return StateCritical
	}
	return StateWarning
}

// Dismissed reports whether an operator has acknowledged the warning.
func (w *Warning) Dismissed() bool { return w.DismissedAt != nil }

// SettingsStore persists enforcement settings.
type SettingsStore interface {
	Upsert(ctx context.Context, s *Setting) error
	// Get returns the exact row for (tenantID, qt); ErrSettingNotFound if absent.
	Get(ctx context.Context, tenantID string, qt tenant.QuotaType) (*Setting, error)
	List(ctx context.Context, tenantID string) ([]*Setting, error)
	Delete(ctx context.Context, tenantID string, qt tenant.QuotaType) error
}

// WarningStore persists quota warnings.
type WarningStore interface {
	Create(ctx context.Context, w *Warning) error
	Get(ctx context.Context, id string) (*Warning, error)
	List(ctx context.Context, tenantID string, includeDismissed bool) ([]*Warning, error)
	// LatestActive returns the most recent undismissed warning of the given
	// level for the pair, or ErrWarningNotFound.
	LatestActive(ctx context.Context, tenantID string, qt tenant.QuotaType, level State) (*Warning, error)
	Dismiss(ctx context.Context, id string, at time.Time) error
}

// UsageSource measures current consumption of one quota type. tenantdb.Manager
// satisfies this.
type UsageSource interface {
	Usage(ctx context.Context, tenantID string, qt tenant.QuotaType) (int64, error)
}

// Evaluation is the result of checking one quota type for one tenant.
type Evaluation struct {
	QuotaType tenant.QuotaType `json:"quotaType"`
	Usage     int64            `json:"usage"`
	Limit     int64            `json:"limit"` // -1 means unlimited
	Percent   int              `json:"percent"`
	State     State            `json:"state"`
	Enforced  bool             `json:"enforced"`
}

// Engine resolves effective limits and evaluates usage against them. It never
// mutates tenant state; warning creation belongs to the Sweeper.
type Engine struct {
	settings SettingsStore
	usage    UsageSource
	cache    *syncutil.TTLCache[*Setting]
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSettingsCache caches resolved enforcement settings for ttl. Writers
// going through the handlers invalidate explicitly; the TTL bounds staleness
// for out-of-band writes.
func WithSettingsCache(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cache = syncutil.NewTTLCache[*Setting](ttl, 4096)
	}
}

func NewEngine(settings SettingsStore, usage UsageSource, opts ...EngineOption) *Engine {
	e := &Engine{settings: settings, usage: usage}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InvalidateSettings drops cached settings for one tenant, or the whole cache
// when tenantID is empty (a global row change affects every tenant).
func (e *Engine) InvalidateSettings(tenantID string) {
	if e.cache == nil {
		return
	}
	if tenantID == "" {
		e.cache.Purge()
		return
	}
	e.cache.DeletePrefix(tenantID + "|")
}

// Limit resolves the effective limit for a quota type: tenant override first,
// plan default otherwise.
func (e *Engine) Limit(t *tenant.Tenant, qt tenant.QuotaType) int64 {
	if v, ok := t.Config.Override(qt); ok {
		return v
	}
	return tenant.PlanLimit(t.Plan, qt)
}

// ResolveSetting returns the enforcement setting in effect for (tenant, qt):
// tenant row, then global row, then the built-in default.
func (e *Engine) ResolveSetting(ctx context.Context, tenantID string, qt tenant.QuotaType) (*Setting, error) {
	key := tenantID + "|" + string(qt)
	if e.cache != nil {
		if s, ok := e.cache.Get(key); ok {
			return s, nil
		}
	}
	s, err := e.resolveSetting(ctx, tenantID, qt)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(key, s)
	}
	return s, nil
}

func (e *Engine) resolveSetting(ctx context.Context, tenantID string, qt tenant.QuotaType) (*Setting, error) {
	if tenantID != "" {
		s, err := e.settings.Get(ctx, tenantID, qt)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSettingNotFound) {
			return nil, err
		}
	}
	s, err := e.settings.Get(ctx, "", qt)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSettingNotFound) {
		return nil, err
	}
	return DefaultSetting(qt), nil
}

// Evaluate measures current usage of one quota type and classifies it.
func (e *Engine) Evaluate(ctx context.Context, t *tenant.Tenant, qt tenant.QuotaType) (Evaluation, error) {
	usage, err := e.usage.Usage(ctx, t.ID, qt)
	if err != nil {
		return Evaluation{}, err
	}
	return e.classify(ctx, t, qt, usage)
}

// Check classifies prospective usage after adding delta more units. The data
// plane calls this before admitting a resource-creating request.
func (e *Engine) Check(ctx context.Context, t *tenant.Tenant, qt tenant.QuotaType, delta int64) (Evaluation, error) {
	usage, err := e.usage.Usage(ctx, t.ID, qt)
	if err != nil {
		return Evaluation{}, err
	}
	return e.classify(ctx, t, qt, usage+delta)
}

// Summary evaluates every quota type. Read-only; no warnings are written.
func (e *Engine) Summary(ctx context.Context, t *tenant.Tenant) ([]Evaluation, error) {
	out := make([]Evaluation, 0, len(tenant.QuotaTypes))
	for _, qt := range tenant.QuotaTypes {
		ev, err := e.Evaluate(ctx, t, qt)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (e *Engine) classify(ctx context.Context, t *tenant.Tenant, qt tenant.QuotaType, usage int64) (Evaluation, error) {
	limit := e.Limit(t, qt)
	ev := Evaluation{QuotaType: qt, Usage: usage, Limit: limit, State: StateOK}

	setting, err := e.ResolveSetting(ctx, t.ID, qt)
	if err != nil {
		return Evaluation{}, err
	}
	ev.Enforced = setting.Enabled

	if limit == tenant.Unlimited {
		metrics.QuotaEvaluationsTotal.WithLabelValues(string(ev.State)).Inc()
		return ev, nil
	}

	switch {
	case limit <= 0:
		if usage > 0 {
			ev.Percent = 100
		}
	default:
		ev.Percent = int(usage * 100 / limit)
	}

	if setting.Enabled {
		switch {
		case ev.Percent >= setting.BlockPercent:
			ev.State = StateBlocked
		case ev.Percent >= setting.CriticalPercent:
			ev.State = StateCritical
		case ev.Percent >= setting.WarnPercent:
			ev.State = StateWarning
		}
	}

	metrics.QuotaEvaluationsTotal.WithLabelValues(string(ev.State)).Inc()
	return ev, nil
}

// WorstState reduces a summary to its most severe state.
func WorstState(evals []Evaluation) State {
	worst := StateOK
	for _, ev := range evals {
		if severityRank(ev.State) > severityRank(worst) {
			worst = ev.State
		}
	}
	return worst
}
