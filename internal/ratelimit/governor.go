package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/orchardhq/orchard/internal/syncutil"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/validation"
)

var (
	ErrConfigNotFound  = errors.New("ratelimit: config not found")
	ErrDuplicateConfig = errors.New("ratelimit: config already exists for tenant and limit type")
)

// LimitType names the traffic class a limit applies to.
type LimitType string

const (
	LimitAPI     LimitType = "api"
	LimitWeb     LimitType = "web"
	LimitWebhook LimitType = "webhook"
	LimitCustom  LimitType = "custom"
)

// LimitTypes lists every known limit type.
var LimitTypes = []LimitType{LimitAPI, LimitWeb, LimitWebhook, LimitCustom}

// ValidLimitType reports whether lt is a known limit type.
func ValidLimitType(lt LimitType) bool {
	for _, t := range LimitTypes {
		if t == lt {
			return true
		}
	}
	return false
}

// Window bounds, in seconds.
const (
	MinWindowSeconds = 1
	MaxWindowSeconds = 86400
)

// LimitConfig is one rate limit policy row. TenantID is empty for the global
// default; a tenant row shadows the global one for its limit type. Disabling a
// config keeps the row so the policy can be turned back on unchanged.
type LimitConfig struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId,omitempty"`
	LimitType         LimitType `json:"limitType"`
	RequestsPerWindow int       `json:"requestsPerWindow"`
	WindowSeconds     int       `json:"windowSeconds"`
	BurstSize         int       `json:"burstSize"`
	// BlockDurationSeconds locks a key out for this long once its bucket
	// empties. Zero means no penalty window.
	BlockDurationSeconds int  `json:"blockDurationSeconds,omitempty"`
	Enabled              bool `json:"enabled"`
	AllowedIPs        []string  `json:"allowedIps,omitempty"` // bypass the limit
	DeniedIPs         []string  `json:"deniedIps,omitempty"`  // always rejected
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// RPM normalises the policy to requests per minute.
func (c *LimitConfig) RPM() int {
	if c.WindowSeconds == 0 {
		return 0
	}
	return c.RequestsPerWindow * 60 / c.WindowSeconds
}

// Validate checks the policy fields before persistence.
func (c *LimitConfig) Validate() error {
	var errs validation.ValidationErrors
	if !ValidLimitType(c.LimitType) {
		errs = append(errs, validation.ValidationError{Field: "limit_type", Message: fmt.Sprintf("unknown limit type %q", c.LimitType)})
	}
	if c.RequestsPerWindow < 1 {
		errs = append(errs, validation.ValidationError{Field: "requests_per_window", Message: "must be at least 1"})
	}
	if c.WindowSeconds < MinWindowSeconds || c.WindowSeconds > MaxWindowSeconds {
		errs = append(errs, validation.ValidationError{Field: "window_seconds", Message: fmt.Sprintf("must be between %d and %d", MinWindowSeconds, MaxWindowSeconds)})
	}
	if c.BurstSize < 0 {
		errs = append(errs, validation.ValidationError{Field: "burst_size", Message: "must be non-negative"})
	}
	if c.BlockDurationSeconds < 0 {
		errs = append(errs, validation.ValidationError{Field: "block_duration_seconds", Message: "must be non-negative"})
	}
	for _, ip := range c.AllowedIPs {
		if !validation.IsValidIPOrCIDR(ip) {
			errs = append(errs, validation.ValidationError{Field: "allowed_ips", Message: fmt.Sprintf("invalid IP or CIDR %q", ip)})
		}
	}
	for _, ip := range c.DeniedIPs {
		if !validation.IsValidIPOrCIDR(ip) {
			errs = append(errs, validation.ValidationError{Field: "denied_ips", Message: fmt.Sprintf("invalid IP or CIDR %q", ip)})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Store persists rate limit policies.
type Store interface {
	Create(ctx context.Context, c *LimitConfig) error
	Update(ctx context.Context, c *LimitConfig) error
	Get(ctx context.Context, id string) (*LimitConfig, error)
	// GetFor returns the exact row for (tenantID, lt); ErrConfigNotFound if absent.
	GetFor(ctx context.Context, tenantID string, lt LimitType) (*LimitConfig, error)
	// List returns all rows for a tenant, or every row when tenantID is "*".
	List(ctx context.Context, tenantID string) ([]*LimitConfig, error)
	Delete(ctx context.Context, id string) error
}

// Decision is the outcome of an IP list check.
type Decision string

const (
	DecisionDeny   Decision = "deny"   // on a deny list, reject outright
	DecisionBypass Decision = "bypass" // on an allow list, skip the bucket
	DecisionLimit  Decision = "limit"  // subject to the token bucket
)

// Effective is the resolved policy for one (tenant, limit type) pair: the
// winning config plus IP lists merged across tenant and global rows.
type Effective struct {
	Config     *LimitConfig `json:"config,omitempty"` // nil = unenforced
	Source     string       `json:"source"`           // tenant, global, plan, none
	AllowedIPs []string     `json:"allowedIps,omitempty"`
	DeniedIPs  []string     `json:"deniedIps,omitempty"`
}

// Enforced reports whether any limit applies.
func (e *Effective) Enforced() bool { return e.Config != nil }

// Allowed checks an IP against the merged lists. Deny wins over allow.
func (e *Effective) Allowed(ip string) Decision {
	addr := net.ParseIP(ip)
	if addr == nil {
		return DecisionLimit
	}
	if matchesAny(addr, e.DeniedIPs) {
		return DecisionDeny
	}
	if matchesAny(addr, e.AllowedIPs) {
		return DecisionBypass
	}
	return DecisionLimit
}

func matchesAny(addr net.IP, list []string) bool {
	for _, entry := range list {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(addr) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(addr) {
			return true
		}
	}
	return false
}

// Governor resolves effective rate limit policy. Resolution order: enabled
// tenant row, enabled global row, then the tenant's plan default for API
// traffic. IP lists merge additively across both rows either way.
type Governor struct {
	store   Store
	tenants tenant.Store
	cache   *syncutil.TTLCache[*Effective]
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithConfigCache caches resolved policies for ttl. Writers going through the
// handlers invalidate explicitly; the TTL bounds staleness for plan changes
// and out-of-band writes.
func WithConfigCache(ttl time.Duration) GovernorOption {
	return func(g *Governor) {
		g.cache = syncutil.NewTTLCache[*Effective](ttl, 4096)
	}
}

func NewGovernor(store Store, tenants tenant.Store, opts ...GovernorOption) *Governor {
	g := &Governor{store: store, tenants: tenants}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invalidate drops cached policies for one tenant, or the whole cache when
// tenantID is empty (a global row change affects every tenant).
func (g *Governor) Invalidate(tenantID string) {
	if g.cache == nil {
		return
	}
	if tenantID == "" {
		g.cache.Purge()
		return
	}
	g.cache.DeletePrefix(tenantID + "|")
}

// Resolve returns the effective policy for a tenant and limit type.
func (g *Governor) Resolve(ctx context.Context, tenantID string, lt LimitType) (*Effective, error) {
	key := tenantID + "|" + string(lt)
	if g.cache != nil {
		if eff, ok := g.cache.Get(key); ok {
			return eff, nil
		}
	}
	eff, err := g.resolve(ctx, tenantID, lt)
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.Set(key, eff)
	}
	return eff, nil
}

func (g *Governor) resolve(ctx context.Context, tenantID string, lt LimitType) (*Effective, error) {
	eff := &Effective{Source: "none"}

	global, err := g.store.GetFor(ctx, "", lt)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}
	if global != nil {
		eff.AllowedIPs = append(eff.AllowedIPs, global.AllowedIPs...)
		eff.DeniedIPs = append(eff.DeniedIPs, global.DeniedIPs...)
	}

	var tenantCfg *LimitConfig
	if tenantID != "" {
		tenantCfg, err = g.store.GetFor(ctx, tenantID, lt)
		if err != nil && !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		if tenantCfg != nil {
			eff.AllowedIPs = append(eff.AllowedIPs, tenantCfg.AllowedIPs...)
			eff.DeniedIPs = append(eff.DeniedIPs, tenantCfg.DeniedIPs...)
		}
	}

	switch {
	case tenantCfg != nil && tenantCfg.Enabled:
		eff.Config = tenantCfg
		eff.Source = "tenant"
	case global != nil && global.Enabled:
		eff.Config = global
		eff.Source = "global"
	case lt == LimitAPI && tenantID != "":
		planCfg, err := g.planDefault(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if planCfg != nil {
			eff.Config = planCfg
			eff.Source = "plan"
		}
	}
	return eff, nil
}

// planDefault synthesises an API limit from the tenant's plan.
func (g *Governor) planDefault(ctx context.Context, tenantID string) (*LimitConfig, error) {
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rpm := tenant.Plans[t.Plan].RateLimitRPM
	if rpm <= 0 {
		return nil, nil
	}
	return &LimitConfig{
		TenantID:          tenantID,
		LimitType:         LimitAPI,
		RequestsPerWindow: rpm,
		WindowSeconds:     60,
		BurstSize:         rpm / 10,
		Enabled:           true,
	}, nil
}
