package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/seoscan/internal/observability"
	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scan/scantest"
	"github.com/wisbric/seoscan/pkg/scancache"
)

type fakeRunner struct {
	name planregistry.ServiceName
	err  error
	slow time.Duration
}

func (f *fakeRunner) Name() planregistry.ServiceName { return f.name }

func (f *fakeRunner) Run(ctx context.Context, _ string, _ collaborator.Config) (json.RawMessage, error) {
	if f.slow > 0 {
		select {
		case <-time.After(f.slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestOrchestrator(t *testing.T, registry *collaborator.Registry) (*Orchestrator, *scantest.MemoryRepository) {
	t.Helper()
	repo := scantest.New()
	cache := scancache.New(repo, nil, slog.New(slog.DiscardHandler))
	sink := observability.New(repo, slog.New(slog.DiscardHandler), "test")
	o := New(repo, registry, cache, sink, Config{ScanTimeout: time.Second, ScanTimeoutGrace: 20 * time.Millisecond})
	return o, repo
}

func createPendingScan(t *testing.T, repo *scantest.MemoryRepository, id string, names []planregistry.ServiceName) {
	t.Helper()
	err := repo.CreateScanWithServices(context.Background(), scan.Scan{
		ID: id, Fingerprint: "fp-" + id, Plan: planregistry.TierFree, Status: scan.StatusPending, CreatedAt: time.Now(),
	}, names, 2)
	if err != nil {
		t.Fatalf("CreateScanWithServices: %v", err)
	}
}

func TestOrchestrateNew_AllSucceedMarksCompleted(t *testing.T) {
	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility})
	reg.Register(&fakeRunner{name: planregistry.ServiceDuplicateContent})

	o, repo := newTestOrchestrator(t, reg)
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility, planregistry.ServiceDuplicateContent}
	createPendingScan(t, repo, "s1", names)

	err := o.OrchestrateNew(context.Background(), "s1", names, planregistry.TierFree, "https://example.com/", nil)
	if err != nil {
		t.Fatalf("OrchestrateNew: %v", err)
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s1")
	if b.Scan.Status != scan.StatusCompleted {
		t.Errorf("expected completed, got %s", b.Scan.Status)
	}
	if b.Scan.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestOrchestrateNew_PartialFailureMarksPartial(t *testing.T) {
	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility})
	reg.Register(&fakeRunner{name: planregistry.ServiceDuplicateContent, err: &collaborator.ClassifiedError{Code: "UPSTREAM_5XX", Message: "down"}})

	o, repo := newTestOrchestrator(t, reg)
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility, planregistry.ServiceDuplicateContent}
	createPendingScan(t, repo, "s2", names)

	if err := o.OrchestrateNew(context.Background(), "s2", names, planregistry.TierFree, "https://example.com/", nil); err != nil {
		t.Fatalf("OrchestrateNew: %v", err)
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s2")
	if b.Scan.Status != scan.StatusPartial {
		t.Errorf("expected partial, got %s", b.Scan.Status)
	}
}

func TestOrchestrateNew_RestrictedServiceFailsWithoutRunning(t *testing.T) {
	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility})
	reg.Register(&fakeRunner{name: planregistry.ServiceRankTracker})

	o, repo := newTestOrchestrator(t, reg)
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility, planregistry.ServiceRankTracker}
	createPendingScan(t, repo, "s3", names)

	// Free tier does not allow rankTracker; it must fail with
	// SERVICE_RESTRICTED without ever invoking its collaborator.
	if err := o.OrchestrateNew(context.Background(), "s3", names, planregistry.TierFree, "https://example.com/", nil); err != nil {
		t.Fatalf("OrchestrateNew: %v", err)
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s3")
	rt := b.ServiceByName(planregistry.ServiceRankTracker)
	if rt.Status != scan.ServiceStatusFailed || rt.Error == nil || rt.Error.Code != scan.ErrCodeServiceRestricted {
		t.Fatalf("expected SERVICE_RESTRICTED failure, got %+v", rt)
	}
	if rt.Error.Retryable {
		t.Error("SERVICE_RESTRICTED must not be retryable")
	}
}

func TestOrchestrateNew_RejectsNonPendingScan(t *testing.T) {
	reg := collaborator.NewRegistry()
	o, repo := newTestOrchestrator(t, reg)
	createPendingScan(t, repo, "s4", nil)
	_ = repo.TransitionScan(context.Background(), "s4", scan.StatusPending, scan.StatusRunning, scan.ScanPatch{})

	err := o.OrchestrateNew(context.Background(), "s4", nil, planregistry.TierFree, "https://example.com/", nil)
	if err != ErrNotPending {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestOrchestrateNew_GlobalTimeoutMarksRemainingScanTimeout(t *testing.T) {
	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility, slow: 5 * time.Second})

	repo := scantest.New()
	cache := scancache.New(repo, nil, slog.New(slog.DiscardHandler))
	sink := observability.New(repo, slog.New(slog.DiscardHandler), "test")
	o := New(repo, reg, cache, sink, Config{ScanTimeout: 20 * time.Millisecond, ScanTimeoutGrace: 10 * time.Millisecond})

	names := []planregistry.ServiceName{planregistry.ServiceAccessibility}
	createPendingScan(t, repo, "s5", names)

	if err := o.OrchestrateNew(context.Background(), "s5", names, planregistry.TierFree, "https://example.com/", nil); err != nil {
		t.Fatalf("OrchestrateNew: %v", err)
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s5")
	if b.Scan.Status != scan.StatusFailed {
		t.Errorf("expected failed after scan timeout, got %s", b.Scan.Status)
	}
	svc := b.ServiceByName(planregistry.ServiceAccessibility)
	if svc.Status != scan.ServiceStatusFailed || svc.Error == nil || svc.Error.Code != scan.ErrCodeScanTimeout {
		t.Fatalf("expected SCAN_TIMEOUT, got %+v", svc)
	}
}

func TestOrchestrateRetry_RestrictsFanOutToEligibleSet(t *testing.T) {
	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility})
	reg.Register(&fakeRunner{name: planregistry.ServiceDuplicateContent})

	o, repo := newTestOrchestrator(t, reg)
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility, planregistry.ServiceDuplicateContent}
	createPendingScan(t, repo, "s6", names)
	if err := o.OrchestrateNew(context.Background(), "s6", names, planregistry.TierFree, "https://example.com/", nil); err != nil {
		t.Fatalf("initial OrchestrateNew: %v", err)
	}

	// Simulate the retry subsystem's surgical reset + CAS transition.
	_ = repo.ResetServicesToPending(context.Background(), "s6", []planregistry.ServiceName{planregistry.ServiceDuplicateContent})
	if err := repo.TransitionScan(context.Background(), "s6", scan.StatusCompleted, scan.StatusRunning, scan.ScanPatch{}); err != nil {
		t.Fatalf("transition to running for retry: %v", err)
	}

	if err := o.OrchestrateRetry(context.Background(), "s6", []planregistry.ServiceName{planregistry.ServiceDuplicateContent}, planregistry.TierFree, "https://example.com/", nil); err != nil {
		t.Fatalf("OrchestrateRetry: %v", err)
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s6")
	if b.Scan.Status != scan.StatusCompleted {
		t.Errorf("expected completed after retry, got %s", b.Scan.Status)
	}
	// Only the eligible service is re-executed: its attempts climb to 2
	// while the untouched service stays at 1.
	if acc := b.ServiceByName(planregistry.ServiceAccessibility); acc.Attempts != 1 {
		t.Errorf("expected accessibility attempts 1 (not re-run), got %d", acc.Attempts)
	}
	if dc := b.ServiceByName(planregistry.ServiceDuplicateContent); dc.Attempts != 2 {
		t.Errorf("expected duplicateContent attempts 2 after retry, got %d", dc.Attempts)
	}
}
