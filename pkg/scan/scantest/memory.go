// Package scantest provides an in-memory scan.Repository for exercising
// the orchestrator, retry, cache, and plan-enforcement business logic in
// tests without a live Postgres instance.
package scantest

import (
	"context"
	"sync"
	"time"

	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
)

// MemoryRepository is a goroutine-safe, in-memory scan.Repository.
type MemoryRepository struct {
	mu       sync.Mutex
	scans    map[string]scan.Scan
	services map[string]map[planregistry.ServiceName]scan.ServiceExecution
	cache    map[string]scan.CacheEntry
	usage    map[string]scan.UsageCounter
	scanMx   []timestampedScanMetric
	serviceM []scan.ServiceMetric
}

type timestampedScanMetric struct {
	metric    scan.ScanMetric
	createdAt time.Time
}

// New returns an empty MemoryRepository.
func New() *MemoryRepository {
	return &MemoryRepository{
		scans:    make(map[string]scan.Scan),
		services: make(map[string]map[planregistry.ServiceName]scan.ServiceExecution),
		cache:    make(map[string]scan.CacheEntry),
		usage:    make(map[string]scan.UsageCounter),
	}
}

func (r *MemoryRepository) CreateScanWithServices(_ context.Context, s scan.Scan, names []planregistry.ServiceName, maxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scans[s.ID]; ok {
		return scan.ErrDuplicateScanID
	}
	r.scans[s.ID] = s

	svc := make(map[planregistry.ServiceName]scan.ServiceExecution, len(names))
	for _, name := range names {
		svc[name] = scan.ServiceExecution{
			ScanID: s.ID, ServiceName: name, Status: scan.ServiceStatusPending,
			MaxAttempts: maxAttempts, UpdatedAt: s.CreatedAt,
		}
	}
	r.services[s.ID] = svc
	return nil
}

func (r *MemoryRepository) LoadScanBundle(_ context.Context, scanID string) (scan.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scans[scanID]
	if !ok {
		return scan.Bundle{}, scan.ErrNotFound
	}
	b := scan.Bundle{Scan: s}
	for _, name := range planregistry.Catalogue {
		if se, ok := r.services[scanID][name]; ok {
			b.Services = append(b.Services, se)
		}
	}
	return b, nil
}

func (r *MemoryRepository) TransitionScan(_ context.Context, scanID string, from, to scan.Status, patch scan.ScanPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scans[scanID]
	if !ok {
		return scan.ErrNotFound
	}
	if !scan.CanTransition(from, to) {
		return scan.ErrInvalidTransition{From: from, To: to}
	}
	if s.Status != from {
		return scan.ErrInvalidTransition{From: from, To: to}
	}

	s.Status = to
	if patch.StartedAt != nil {
		s.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		s.CompletedAt = patch.CompletedAt
	}
	if patch.TotalExecutionMs != nil {
		s.TotalExecutionMs = patch.TotalExecutionMs
	}
	r.scans[scanID] = s
	return nil
}

func (r *MemoryRepository) UpdateService(_ context.Context, scanID string, name planregistry.ServiceName, patch scan.ServicePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[scanID]
	if !ok {
		return scan.ErrNotFound
	}
	se, ok := svc[name]
	if !ok {
		return scan.ErrNotFound
	}

	se.Status = patch.Status
	se.Result = patch.Result
	se.Error = patch.Error
	if patch.ExecutionMs != nil {
		se.ExecutionMs = patch.ExecutionMs
	}
	if patch.Attempts != nil {
		se.Attempts = *patch.Attempts
	}
	se.UpdatedAt = time.Now()
	svc[name] = se
	return nil
}

func (r *MemoryRepository) ResetServicesToPending(_ context.Context, scanID string, names []planregistry.ServiceName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[scanID]
	if !ok {
		return scan.ErrNotFound
	}
	for _, name := range names {
		se := svc[name]
		se.Status = scan.ServiceStatusPending
		se.Result = nil
		se.Error = nil
		se.ExecutionMs = nil
		svc[name] = se
	}
	return nil
}

func (r *MemoryRepository) FindCacheEntry(_ context.Context, fingerprint string) (scan.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cache[fingerprint]
	if !ok || !e.ExpiresAt.After(time.Now()) {
		return scan.CacheEntry{}, scan.ErrNotFound
	}
	return e, nil
}

func (r *MemoryRepository) PutCacheEntry(_ context.Context, fingerprint, scanID string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.cache[fingerprint]; ok && existing.ExpiresAt.After(expiresAt) {
		return scan.ErrConflictIgnored
	}
	r.cache[fingerprint] = scan.CacheEntry{Fingerprint: fingerprint, ScanID: scanID, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	return nil
}

func (r *MemoryRepository) SweepExpiredCacheEntries(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for fp, e := range r.cache {
		if !e.ExpiresAt.After(now) {
			delete(r.cache, fp)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ConsumeDailyScan(_ context.Context, identity scan.Identity, day time.Time, limit int) (scan.UsageCounter, error) {
	return r.consumeGuarded(identity, day, limit,
		func(u scan.UsageCounter) int { return u.ScansUsed },
		func(u *scan.UsageCounter) { u.ScansUsed++ })
}

func (r *MemoryRepository) ConsumeRetry(_ context.Context, identity scan.Identity, day time.Time, limit int) (scan.UsageCounter, error) {
	return r.consumeGuarded(identity, day, limit,
		func(u scan.UsageCounter) int { return u.RetriesUsed },
		func(u *scan.UsageCounter) { u.RetriesUsed++ })
}

func (r *MemoryRepository) ConsumeDownload(_ context.Context, identity scan.Identity, day time.Time) (scan.UsageCounter, error) {
	return r.consume(identity, day, func(u *scan.UsageCounter) { u.DownloadsUsed++ })
}

func (r *MemoryRepository) consume(identity scan.Identity, day time.Time, mutate func(*scan.UsageCounter)) (scan.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := usageKey(identity, day)
	u := r.usage[key]
	mutate(&u)
	r.usage[key] = u
	return u, nil
}

// consumeGuarded mirrors PostgresRepository.consumeGuarded's
// compare-and-increment semantics under the repository's own mutex, so
// the in-memory fake exercises the same ErrQuotaExceeded contract the
// real atomic UPSERT enforces.
func (r *MemoryRepository) consumeGuarded(identity scan.Identity, day time.Time, limit int, get func(scan.UsageCounter) int, mutate func(*scan.UsageCounter)) (scan.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		return scan.UsageCounter{}, scan.ErrQuotaExceeded
	}

	key := usageKey(identity, day)
	u := r.usage[key]
	if get(u) >= limit {
		return scan.UsageCounter{}, scan.ErrQuotaExceeded
	}
	mutate(&u)
	r.usage[key] = u
	return u, nil
}

func (r *MemoryRepository) PeekUsage(_ context.Context, identity scan.Identity, day time.Time) (scan.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage[usageKey(identity, day)], nil
}

func usageKey(identity scan.Identity, day time.Time) string {
	return identity.Key() + "|" + day.Format("2006-01-02")
}

func (r *MemoryRepository) InsertScanMetric(_ context.Context, m scan.ScanMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanMx = append(r.scanMx, timestampedScanMetric{metric: m, createdAt: time.Now()})
	return nil
}

func (r *MemoryRepository) AggregateScanMetrics(_ context.Context, since time.Time) (scan.MetricsSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := scan.MetricsSummary{Since: since, ScansByStatus: make(map[string]int)}
	var weightedMs, n float64
	for _, tm := range r.scanMx {
		if tm.createdAt.Before(since) {
			continue
		}
		m := tm.metric
		summary.ScansTotal++
		summary.ScansByStatus[string(m.Status)]++
		if m.Cached {
			summary.ScansCached++
		}
		summary.ServicesExecuted += m.ServicesExecuted
		summary.ServicesFailed += m.ServicesFailed
		if m.TotalMs != nil {
			weightedMs += float64(*m.TotalMs)
			n++
		}
	}
	if n > 0 {
		summary.AvgTotalMs = weightedMs / n
	}
	return summary, nil
}

func (r *MemoryRepository) InsertServiceMetric(_ context.Context, m scan.ServiceMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceM = append(r.serviceM, m)
	return nil
}

// ScanMetrics returns a copy of every inserted scan metric, for test
// assertions.
func (r *MemoryRepository) ScanMetrics() []scan.ScanMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scan.ScanMetric, len(r.scanMx))
	for i, tm := range r.scanMx {
		out[i] = tm.metric
	}
	return out
}

// ServiceMetrics returns a copy of every inserted service metric, for test
// assertions.
func (r *MemoryRepository) ServiceMetrics() []scan.ServiceMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scan.ServiceMetric, len(r.serviceM))
	copy(out, r.serviceM)
	return out
}

var _ scan.Repository = (*MemoryRepository)(nil)
