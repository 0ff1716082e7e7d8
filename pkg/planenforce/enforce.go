// Package planenforce resolves caller identity and admits or rejects
// scan/retry/download requests against plan quotas (spec component D).
// It holds no state of its own: all quota atomicity is delegated to
// scan.Repository.
package planenforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
)

// Sentinel errors surfaced to the HTTP layer (spec.md §7 taxonomy).
var (
	ErrDailyLimitReached = errors.New("daily scan limit reached")
	ErrRetryLimitReached = errors.New("retry limit reached")
	ErrDownloadsRestricted = errors.New("downloads not allowed on this plan")
)

// DailyLimitError carries the limit/current pair for a 429 response body.
type DailyLimitError struct {
	Limit, Current int
}

func (e DailyLimitError) Error() string {
	return fmt.Sprintf("daily limit reached: %d/%d", e.Current, e.Limit)
}
func (e DailyLimitError) Unwrap() error { return ErrDailyLimitReached }

// RetryLimitError carries the limit/current pair for a 429 response body.
type RetryLimitError struct {
	Limit, Current int
}

func (e RetryLimitError) Error() string {
	return fmt.Sprintf("retry limit reached: %d/%d", e.Current, e.Limit)
}
func (e RetryLimitError) Unwrap() error { return ErrRetryLimitReached }

// User is the minimal subscription record the caller looks up to resolve
// a verified identity's plan (spec.md §3 User).
type User struct {
	ID                    string
	Plan                  planregistry.Tier
	SubscriptionActive    bool
	SubscriptionExpiresAt *time.Time
}

// EffectivePlan returns the user's plan, demoted to FREE if their
// subscription has lapsed (spec.md §4.D: "Subscription expired ⇒ demote
// to FREE").
func (u User) EffectivePlan(now time.Time) planregistry.Tier {
	if u.Plan == planregistry.TierPro && (!u.SubscriptionActive || (u.SubscriptionExpiresAt != nil && now.After(*u.SubscriptionExpiresAt))) {
		return planregistry.TierFree
	}
	return u.Plan
}

// ResolvedIdentity is the outcome of identity resolution: exactly one of
// UserID / IP populates the embedded scan.Identity, with Plan the
// effective tier for quota and service-filtering purposes.
type ResolvedIdentity struct {
	scan.Identity
	Plan planregistry.Tier
}

// ResolveIdentity implements spec.md §4.D identity resolution: a verified
// user (non-nil) resolves to (userId, user's plan); an anonymous caller
// resolves to (clientIp, GUEST).
func ResolveIdentity(user *User, clientIP string, now time.Time) ResolvedIdentity {
	if user != nil {
		return ResolvedIdentity{Identity: scan.Identity{UserID: user.ID}, Plan: user.EffectivePlan(now)}
	}
	return ResolvedIdentity{Identity: scan.Identity{IP: clientIP}, Plan: planregistry.TierGuest}
}

// Enforcer admits scan/retry/download requests against plan quotas,
// delegating all counter atomicity to its Repository.
type Enforcer struct {
	repo scan.Repository
	now  func() time.Time
}

// New returns an Enforcer backed by repo. nowFn defaults to time.Now.
func New(repo scan.Repository, nowFn func() time.Time) *Enforcer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Enforcer{repo: repo, now: nowFn}
}

// AdmitScan enforces the daily-limit check and, on success, atomically
// consumes one unit of quota in the same statement (spec.md §4.D: "Quota
// increments happen after successful admission"; §5: counters "must be
// atomic"). The compare-against-limit and the increment happen as one
// atomic operation in the Repository — there is no separate peek-then-
// consume step here, since two concurrent callers racing a peek-then-
// consume could both read under the limit and both then succeed past it.
// Returns DailyLimitError when the plan's daily scan budget is already
// spent.
func (e *Enforcer) AdmitScan(ctx context.Context, identity ResolvedIdentity) error {
	plan := planregistry.Get(identity.Plan)
	day := e.now()

	if _, err := e.repo.ConsumeDailyScan(ctx, identity.Identity, day, plan.DailyScans); err != nil {
		if errors.Is(err, scan.ErrQuotaExceeded) {
			return DailyLimitError{Limit: plan.DailyScans, Current: e.currentOrLimit(ctx, identity, day, plan.DailyScans, func(u scan.UsageCounter) int { return u.ScansUsed })}
		}
		return fmt.Errorf("consuming scan quota: %w", err)
	}
	return nil
}

// AdmitRetry enforces the retry daily-limit check and, on success,
// atomically consumes one unit of retry quota in the same statement.
// RetriesPerService also doubles as the per-identity daily retry-call
// budget (spec.md §9 Open Questions: retry budget is treated as per-day
// per-identity, matching usage_counters.retries_used). A service's own
// attempts-vs-maxAttempts check at the row level is the separate,
// per-service-per-scan ceiling.
func (e *Enforcer) AdmitRetry(ctx context.Context, identity ResolvedIdentity) error {
	plan := planregistry.Get(identity.Plan)
	day := e.now()

	if _, err := e.repo.ConsumeRetry(ctx, identity.Identity, day, plan.RetriesPerService); err != nil {
		if errors.Is(err, scan.ErrQuotaExceeded) {
			return RetryLimitError{Limit: plan.RetriesPerService, Current: e.currentOrLimit(ctx, identity, day, plan.RetriesPerService, func(u scan.UsageCounter) int { return u.RetriesUsed })}
		}
		return fmt.Errorf("consuming retry quota: %w", err)
	}
	return nil
}

// currentOrLimit reports the identity's current counter value for a
// rejected-quota error body. This read is purely informational (the
// admission decision itself was already made atomically above): a race
// here can only make the reported "current" figure briefly stale, never
// let a caller through over quota. Falls back to limit itself if the
// peek fails.
func (e *Enforcer) currentOrLimit(ctx context.Context, identity ResolvedIdentity, day time.Time, limit int, get func(scan.UsageCounter) int) int {
	u, err := e.repo.PeekUsage(ctx, identity.Identity, day)
	if err != nil {
		return limit
	}
	return get(u)
}

// CheckDownload enforces the export/download entitlement check. It does
// not consume a counter itself on rejection but does on success, mirroring
// AdmitScan's "increment only after admission" rule.
func (e *Enforcer) CheckDownload(ctx context.Context, identity ResolvedIdentity) error {
	plan := planregistry.Get(identity.Plan)
	if !plan.DownloadsAllowed {
		return ErrDownloadsRestricted
	}
	if _, err := e.repo.ConsumeDownload(ctx, identity.Identity, e.now()); err != nil {
		return fmt.Errorf("consuming download quota: %w", err)
	}
	return nil
}

// FilterServices splits requested against the plan's allowed set,
// returning the effective set E to dispatch and the restricted set that
// must be recorded as SERVICE_RESTRICTED synchronously (spec.md §4.D,
// §4.H step 3).
func FilterServices(requested []planregistry.ServiceName, tier planregistry.Tier) (effective, restricted []planregistry.ServiceName) {
	plan := planregistry.Get(tier)
	for _, name := range requested {
		if plan.Allows(name) {
			effective = append(effective, name)
		} else {
			restricted = append(restricted, name)
		}
	}
	return effective, restricted
}
