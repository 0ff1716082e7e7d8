package scan

import (
	"context"
	"errors"
	"time"

	"github.com/wisbric/seoscan/pkg/planregistry"
)

// Sentinel errors callers of Repository may observe (spec.md §4.B).
var (
	ErrDuplicateScanID = errors.New("scan: duplicate scan id")
	ErrNotFound        = errors.New("scan: not found")
	ErrConflictIgnored = errors.New("scan: cache entry conflict ignored")

	// ErrQuotaExceeded is returned by ConsumeDailyScan/ConsumeRetry when
	// the identity's counter is already at or above the supplied limit;
	// the counter is left unchanged.
	ErrQuotaExceeded = errors.New("scan: quota exceeded")
)

// ServicePatch is a partial update to one service execution row.
type ServicePatch struct {
	Status      ServiceStatus
	Result      []byte
	Error       *ServiceError
	ExecutionMs *int64
	Attempts    *int
}

// ScanPatch is a partial update applied alongside a scan status
// transition (started-at / completed-at / total-execution-ms).
type ScanPatch struct {
	StartedAt        *time.Time
	CompletedAt      *time.Time
	TotalExecutionMs *int64
}

// CacheEntry mirrors the cache_entries table (spec.md §3).
type CacheEntry struct {
	Fingerprint string
	ScanID      string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Identity is the owning principal for quota and ownership purposes:
// exactly one of UserID / IP is set (spec.md §4.D).
type Identity struct {
	UserID string
	IP     string
}

// Key returns the identity's usage-counter key.
func (id Identity) Key() string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "ip:" + id.IP
}

// UsageCounter mirrors the usage_counters table for one identity+date.
type UsageCounter struct {
	ScansUsed     int
	RetriesUsed   int
	DownloadsUsed int
}

// ScanMetric is one append-only analytical row for a finished scan.
type ScanMetric struct {
	ScanID           string
	UserType         string
	Plan             planregistry.Tier
	URL              string
	Status           Status
	Cached           bool
	TotalMs          *int64
	ServicesExecuted int
	ServicesFailed   int
}

// ServiceMetric is one append-only analytical row for a finished service
// execution.
type ServiceMetric struct {
	ScanID        string
	ServiceName   planregistry.ServiceName
	Status        ServiceStatus
	ExecutionMs   *int64
	RetryAttempts int
	ErrorCode     string
	ErrorMessage  string
}

// Repository is the full persistence contract the orchestrator, retry
// subsystem, cache service, and plan enforcement depend on (spec.md §4.B).
// It exposes transactional operations only; no business logic lives here.
type Repository interface {
	// CreateScanWithServices atomically inserts a scan row and one pending
	// service row per name. Returns ErrDuplicateScanID if the id collides.
	CreateScanWithServices(ctx context.Context, s Scan, serviceNames []planregistry.ServiceName, maxAttempts int) error

	// LoadScanBundle reads a scan and all its service rows as one
	// consistent snapshot. Returns ErrNotFound if the scan does not exist.
	LoadScanBundle(ctx context.Context, scanID string) (Bundle, error)

	// TransitionScan moves a scan from `from` to `to`, guarded by a check
	// that the current status still equals `from` (CAS). Returns
	// ErrInvalidTransition if the table forbids the edge or the current
	// status does not match `from`, and ErrNotFound if the row is gone.
	TransitionScan(ctx context.Context, scanID string, from, to Status, patch ScanPatch) error

	// UpdateService applies a partial update to one (scanID, name) row.
	// Returns ErrNotFound if no such row exists.
	UpdateService(ctx context.Context, scanID string, name planregistry.ServiceName, patch ServicePatch) error

	// ResetServicesToPending resets the given services on scanID back to
	// pending, clearing error and execution-ms while preserving attempts
	// (spec.md §4.I surgical reset). Returns ErrNotFound if scanID is
	// unknown.
	ResetServicesToPending(ctx context.Context, scanID string, names []planregistry.ServiceName) error

	// FindCacheEntry returns the live cache entry for fingerprint, or
	// ErrNotFound on miss.
	FindCacheEntry(ctx context.Context, fingerprint string) (CacheEntry, error)

	// PutCacheEntry inserts a cache entry, replacing any existing entry
	// for the same fingerprint. Write races resolve to the newer entry
	// winning; a race loss is reported as ErrConflictIgnored and is not
	// an error callers need to act on.
	PutCacheEntry(ctx context.Context, fingerprint, scanID string, expiresAt time.Time) error

	// SweepExpiredCacheEntries deletes cache entries whose expires-at has
	// passed and returns how many rows were removed.
	SweepExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)

	// ConsumeDailyScan atomically compares today's scan counter for
	// identity against limit and, only if it is still strictly below
	// limit, increments it and returns the new count. Returns
	// ErrQuotaExceeded (without mutating anything) if the counter is
	// already at or above limit. Must be implemented as a single atomic
	// compare-and-increment statement (row-level lock or INSERT ...
	// ON CONFLICT DO UPDATE ... WHERE ... RETURNING) so that two
	// concurrent callers for the same identity can never both succeed
	// past limit.
	ConsumeDailyScan(ctx context.Context, identity Identity, day time.Time, limit int) (UsageCounter, error)

	// ConsumeRetry atomically compares today's retry counter for
	// identity against limit and, only if it is still strictly below
	// limit, increments it and returns the new count. Returns
	// ErrQuotaExceeded if the counter is already at or above limit.
	ConsumeRetry(ctx context.Context, identity Identity, day time.Time, limit int) (UsageCounter, error)

	// ConsumeDownload atomically increments today's download counter for
	// identity and returns the new count. Download entitlement is a
	// plan-level boolean (see planenforce.Enforcer.CheckDownload), not a
	// counted quota, so this has no limit guard.
	ConsumeDownload(ctx context.Context, identity Identity, day time.Time) (UsageCounter, error)

	// PeekUsage reads today's usage counters without mutating them.
	PeekUsage(ctx context.Context, identity Identity, day time.Time) (UsageCounter, error)

	// InsertScanMetric appends one analytical scan row.
	InsertScanMetric(ctx context.Context, m ScanMetric) error

	// InsertServiceMetric appends one analytical service row.
	InsertServiceMetric(ctx context.Context, m ServiceMetric) error

	// AggregateScanMetrics summarizes scan_metrics/service_metrics rows
	// created at or after since, for the GET /monitoring/metrics endpoint.
	AggregateScanMetrics(ctx context.Context, since time.Time) (MetricsSummary, error)
}

// MetricsSummary is the aggregate analytics projection backing
// GET /monitoring/metrics?timeRange=... (spec.md §6, SPEC_FULL.md §7).
type MetricsSummary struct {
	Since            time.Time      `json:"since"`
	ScansTotal       int            `json:"scansTotal"`
	ScansByStatus    map[string]int `json:"scansByStatus"`
	ScansCached      int            `json:"scansCached"`
	ServicesExecuted int            `json:"servicesExecuted"`
	ServicesFailed   int            `json:"servicesFailed"`
	AvgTotalMs       float64        `json:"avgTotalMs"`
}
