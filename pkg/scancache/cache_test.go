package scancache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scan/scantest"
)

func newTestService(t *testing.T) (*Service, *scantest.MemoryRepository) {
	t.Helper()
	repo := scantest.New()
	logger := slog.New(slog.DiscardHandler)
	return New(repo, nil, logger), repo
}

func TestLookup_MissWhenNoEntry(t *testing.T) {
	svc, _ := newTestService(t)
	_, hit, err := svc.Lookup(context.Background(), "fp1", false)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if hit {
		t.Error("expected miss for unknown fingerprint")
	}
}

func TestLookup_BypassAlwaysMisses(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_ = repo.CreateScanWithServices(ctx, scan.Scan{ID: "s1", Status: scan.StatusCompleted}, nil, 2)
	_ = svc.Store(ctx, "s1", "fp1", scan.StatusCompleted, planregistry.TierFree)

	_, hit, err := svc.Lookup(ctx, "fp1", true)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if hit {
		t.Error("expected bypass lookup to always miss")
	}
}

func TestStore_RejectsNonCacheableStatus(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Store(context.Background(), "s1", "fp1", scan.StatusRunning, planregistry.TierFree)
	if err != ErrNotCacheable {
		t.Errorf("expected ErrNotCacheable, got %v", err)
	}
}

func TestStoreThenLookup_Hit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_ = repo.CreateScanWithServices(ctx, scan.Scan{ID: "s1", Status: scan.StatusCompleted}, []planregistry.ServiceName{planregistry.ServiceAccessibility}, 2)

	if err := svc.Store(ctx, "s1", "fp1", scan.StatusCompleted, planregistry.TierPro); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	b, hit, err := svc.Lookup(ctx, "fp1", false)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if !hit {
		t.Fatal("expected cache hit after store")
	}
	if b.Scan.ID != "s1" {
		t.Errorf("loaded bundle scan id = %q, want s1", b.Scan.ID)
	}
}

func TestSweepOnce_RemovesExpiredEntries(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_ = repo.CreateScanWithServices(ctx, scan.Scan{ID: "s1", Status: scan.StatusCompleted}, nil, 2)
	_ = repo.PutCacheEntry(ctx, "fp1", "s1", time.Now().Add(-time.Minute))

	svc.sweepOnce(ctx)

	n, err := repo.SweepExpiredCacheEntries(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected already-swept entry to be gone, found %d more", n)
	}
}
