// Package planregistry is the static catalogue of plan tiers and their
// limits (spec component A). It is loaded once at process start and never
// mutated afterward.
package planregistry

import "time"

// Tier identifies a subscription plan.
type Tier string

const (
	TierGuest Tier = "GUEST"
	TierFree  Tier = "FREE"
	TierPro   Tier = "PRO"
)

// ServiceName identifies one of the deployment-fixed catalogue services.
type ServiceName string

// Catalogue is the complete, deployment-fixed set of services the system
// knows how to run. Adding a service is a config change in this one place.
const (
	ServiceAccessibility     ServiceName = "accessibility"
	ServiceDuplicateContent  ServiceName = "duplicateContent"
	ServiceBacklinks         ServiceName = "backlinks"
	ServiceSchema            ServiceName = "schema"
	ServiceMultiLanguage     ServiceName = "multiLanguage"
	ServiceRankTracker       ServiceName = "rankTracker"
)

// Catalogue lists every recognized service, in a stable order used for
// deterministic fingerprints and status-projection output.
var Catalogue = []ServiceName{
	ServiceAccessibility,
	ServiceDuplicateContent,
	ServiceBacklinks,
	ServiceSchema,
	ServiceMultiLanguage,
	ServiceRankTracker,
}

// IsKnownService reports whether name is part of the fixed catalogue.
func IsKnownService(name string) bool {
	for _, s := range Catalogue {
		if string(s) == name {
			return true
		}
	}
	return false
}

// Plan describes the limits and entitlements of one subscription tier.
type Plan struct {
	Tier              Tier
	DailyScans        int
	AllowedServices   map[ServiceName]bool
	RetriesPerService int
	DownloadsAllowed  bool
	CacheTTL          time.Duration
}

// Allows reports whether the plan permits running the named service.
func (p Plan) Allows(name ServiceName) bool {
	return p.AllowedServices[name]
}

// allSet builds the "ALL" sentinel: every catalogue service allowed.
func allSet() map[ServiceName]bool {
	m := make(map[ServiceName]bool, len(Catalogue))
	for _, s := range Catalogue {
		m[s] = true
	}
	return m
}

// registry is the read-only plan catalogue, populated at init time.
var registry = map[Tier]Plan{
	TierGuest: {
		Tier:              TierGuest,
		DailyScans:        1,
		AllowedServices:   map[ServiceName]bool{ServiceAccessibility: true},
		RetriesPerService: 0,
		DownloadsAllowed:  false,
		CacheTTL:          6 * time.Hour,
	},
	TierFree: {
		Tier:       TierFree,
		DailyScans: 2,
		AllowedServices: map[ServiceName]bool{
			ServiceAccessibility:    true,
			ServiceDuplicateContent: true,
		},
		RetriesPerService: 1,
		DownloadsAllowed:  false,
		CacheTTL:          12 * time.Hour,
	},
	TierPro: {
		Tier:              TierPro,
		DailyScans:        50,
		AllowedServices:   allSet(),
		RetriesPerService: 2,
		DownloadsAllowed:  true,
		CacheTTL:          24 * time.Hour,
	},
}

// Get returns the plan for tier, falling back to GUEST for any unrecognized
// or empty tier (callers should validate tier at the edge; this is a
// defensive default for internally-constructed identities only).
func Get(tier Tier) Plan {
	if p, ok := registry[tier]; ok {
		return p
	}
	return registry[TierGuest]
}

// WithOverrides returns a copy of the base registry plan for tier with the
// daily scan / retry limits and cache TTL overridden. Used for
// configuration-driven quota overrides in tests and non-production
// deployments (spec.md §6 Configuration: "quota limits (may override plan
// defaults for testing)").
func WithOverrides(tier Tier, dailyScans, retries int, cacheTTL time.Duration) Plan {
	p := Get(tier)
	if dailyScans > 0 {
		p.DailyScans = dailyScans
	}
	if retries >= 0 {
		p.RetriesPerService = retries
	}
	if cacheTTL > 0 {
		p.CacheTTL = cacheTTL
	}
	return p
}
