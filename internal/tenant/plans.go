package tenant

// Plan identifies the subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// PlanConfig defines consumption ceilings and features for a subscription tier.
// Quota limits are absolute; Unlimited means no ceiling.
type PlanConfig struct {
	Plan         Plan
	QuotaLimits  map[QuotaType]int64
	RateLimitRPM int
	Features     []string
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanFree: {
		Plan: PlanFree,
		QuotaLimits: map[QuotaType]int64{
			QuotaUsers:     5,
			QuotaStorage:   512, // MB
			QuotaAPICalls:  10_000,
			QuotaEmployees: 10,
			QuotaProjects:  3,
		},
		RateLimitRPM: 60,
		Features:     []string{"core"},
	},
	PlanStarter: {
		Plan: PlanStarter,
		QuotaLimits: map[QuotaType]int64{
			QuotaUsers:     25,
			QuotaStorage:   5_120,
			QuotaAPICalls:  100_000,
			QuotaEmployees: 50,
			QuotaProjects:  20,
		},
		RateLimitRPM: 300,
		Features:     []string{"core", "api", "custom_domain"},
	},
	PlanGrowth: {
		Plan: PlanGrowth,
		QuotaLimits: map[QuotaType]int64{
			QuotaUsers:     100,
			QuotaStorage:   51_200,
			QuotaAPICalls:  1_000_000,
			QuotaEmployees: 250,
			QuotaProjects:  100,
		},
		RateLimitRPM: 1000,
		Features:     []string{"core", "api", "custom_domain", "webhooks", "reports"},
	},
	PlanEnterprise: {
		Plan: PlanEnterprise,
		QuotaLimits: map[QuotaType]int64{
			QuotaUsers:     Unlimited,
			QuotaStorage:   Unlimited,
			QuotaAPICalls:  Unlimited,
			QuotaEmployees: Unlimited,
			QuotaProjects:  Unlimited,
		},
		RateLimitRPM: 5000,
		Features:     []string{"core", "api", "custom_domain", "webhooks", "reports", "sso", "audit_log"},
	},
}

// PlanLimit returns the plan-derived limit for a quota type.
// Unknown plans fall back to the free tier; unknown quota types are Unlimited.
func PlanLimit(p Plan, qt QuotaType) int64 {
	cfg, ok := Plans[p]
	if !ok {
		cfg = Plans[PlanFree]
	}
	if limit, ok := cfg.QuotaLimits[qt]; ok {
		return limit
	}
	return Unlimited
}

// PlanFeatures returns the feature flags a plan grants.
func PlanFeatures(p Plan) []string {
	cfg, ok := Plans[p]
	if !ok {
		cfg = Plans[PlanFree]
	}
	out := make([]string, len(cfg.Features))
	copy(out, cfg.Features)
	return out
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}
