// Package scancache implements the scan result cache (spec component E):
// a Redis hot path backed by the Postgres cache_entries table, so a
// cache hit survives a Redis restart and a Redis outage degrades to a
// slower but correct Postgres-only lookup.
package scancache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/seoscan/internal/telemetry"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
)

const redisKeyPrefix = "seoscan:cache:"

func redisKey(fingerprint string) string { return redisKeyPrefix + fingerprint }

// cachedRef is what the Redis hot path stores: just enough to skip the
// Postgres fingerprint lookup. The bundle itself is always re-read from
// the repository so a reader never serves stale service rows out of
// Redis.
type cachedRef struct {
	ScanID string `json:"scanId"`
}

// Service is the Cache Service (spec.md §4.E).
type Service struct {
	repo   scan.Repository
	rdb    *redis.Client
	logger *slog.Logger
}

// New returns a cache Service. rdb may be nil, in which case every lookup
// falls through directly to Postgres.
func New(repo scan.Repository, rdb *redis.Client, logger *slog.Logger) *Service {
	return &Service{repo: repo, rdb: rdb, logger: logger}
}

// Lookup returns the cached scan bundle for fingerprint, or (Bundle{},
// false, nil) on a clean miss. allowBypass short-circuits to a miss
// without touching Redis or Postgres, per spec.md §4.E ("retry
// operations, explicit force").
func (s *Service) Lookup(ctx context.Context, fingerprint string, allowBypass bool) (scan.Bundle, bool, error) {
	if allowBypass {
		return scan.Bundle{}, false, nil
	}

	if scanID, ok := s.redisGet(ctx, fingerprint); ok {
		b, err := s.repo.LoadScanBundle(ctx, scanID)
		if errors.Is(err, scan.ErrNotFound) {
			return scan.Bundle{}, false, nil
		}
		if err != nil {
			return scan.Bundle{}, false, fmt.Errorf("loading cached scan bundle: %w", err)
		}
		return b, true, nil
	}

	entry, err := s.repo.FindCacheEntry(ctx, fingerprint)
	if errors.Is(err, scan.ErrNotFound) {
		return scan.Bundle{}, false, nil
	}
	if err != nil {
		return scan.Bundle{}, false, fmt.Errorf("finding cache entry: %w", err)
	}

	b, err := s.repo.LoadScanBundle(ctx, entry.ScanID)
	if errors.Is(err, scan.ErrNotFound) {
		return scan.Bundle{}, false, nil
	}
	if err != nil {
		return scan.Bundle{}, false, fmt.Errorf("loading scan bundle %s: %w", entry.ScanID, err)
	}

	s.redisSet(ctx, fingerprint, entry.ScanID, time.Until(entry.ExpiresAt))
	return b, true, nil
}

// Store records fingerprint → scanID in both Postgres and Redis with a
// plan-dependent TTL. Returns ErrNotCacheable if the scan's status does
// not make it eligible (spec.md §4.E: only completed/partial scans may be
// cached).
var ErrNotCacheable = errors.New("scancache: scan status is not cacheable")

func (s *Service) Store(ctx context.Context, scanID, fingerprint string, status scan.Status, tier planregistry.Tier) error {
	if status != scan.StatusCompleted && status != scan.StatusPartial {
		return ErrNotCacheable
	}

	ttl := planregistry.Get(tier).CacheTTL
	expiresAt := time.Now().Add(ttl)

	if err := s.repo.PutCacheEntry(ctx, fingerprint, scanID, expiresAt); err != nil && !errors.Is(err, scan.ErrConflictIgnored) {
		return fmt.Errorf("storing cache entry: %w", err)
	}

	s.redisSet(ctx, fingerprint, scanID, ttl)
	return nil
}

func (s *Service) redisGet(ctx context.Context, fingerprint string) (string, bool) {
	if s.rdb == nil {
		return "", false
	}
	val, err := s.rdb.Get(ctx, redisKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.logger.Warn("redis cache lookup failed, falling back to postgres", "error", err)
		return "", false
	}
	var ref cachedRef
	if err := json.Unmarshal([]byte(val), &ref); err != nil {
		s.logger.Warn("invalid cache payload in redis", "key", redisKey(fingerprint))
		return "", false
	}
	return ref.ScanID, true
}

func (s *Service) redisSet(ctx context.Context, fingerprint, scanID string, ttl time.Duration) {
	if s.rdb == nil || ttl <= 0 {
		return
	}
	payload, err := json.Marshal(cachedRef{ScanID: scanID})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisKey(fingerprint), payload, ttl).Err(); err != nil {
		s.logger.Warn("failed to warm redis cache", "error", err, "fingerprint", fingerprint)
	}
}

// RunSweepLoop runs the background sweeper on a fixed interval until ctx
// is cancelled, deleting expired cache entries from Postgres. The Redis
// mirror carries the same TTL as the Postgres row, so it expires
// independently and never outlives the row the sweeper is cleaning up.
func (s *Service) RunSweepLoop(ctx context.Context, interval time.Duration) {
	s.logger.Info("cache sweep loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cache sweep loop stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	telemetry.CacheSweeperRunsTotal.Inc()
	n, err := s.repo.SweepExpiredCacheEntries(ctx, time.Now())
	if err != nil {
		s.logger.Error("cache sweep failed", "error", err)
		return
	}
	telemetry.CacheEntriesSweptTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("cache sweep removed expired entries", "count", n)
	}
}
