package retry

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/planenforce"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scan/scantest"
)

type fakeOrchestrator struct {
	called    bool
	gotScanID string
	gotSvcs   []planregistry.ServiceName
	err       error
}

func (f *fakeOrchestrator) OrchestrateRetry(_ context.Context, scanID string, eligible []planregistry.ServiceName, _ planregistry.Tier, _ string, _ collaborator.Config) error {
	f.called = true
	f.gotScanID = scanID
	f.gotSvcs = eligible
	return f.err
}

func fixedNow() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }

func setupFailedScan(t *testing.T, repo *scantest.MemoryRepository) {
	t.Helper()
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility, planregistry.ServiceSchema}
	if err := repo.CreateScanWithServices(context.Background(), scan.Scan{ID: "s1", Status: scan.StatusPending, CreatedAt: fixedNow()}, names, 2); err != nil {
		t.Fatalf("CreateScanWithServices: %v", err)
	}
	_ = repo.TransitionScan(context.Background(), "s1", scan.StatusPending, scan.StatusRunning, scan.ScanPatch{})

	retryableErr := &scan.ServiceError{Code: scan.ErrCodeNetwork, Message: "down", Retryable: true}
	attempts := 1
	_ = repo.UpdateService(context.Background(), "s1", planregistry.ServiceAccessibility, scan.ServicePatch{Status: scan.ServiceStatusFailed, Error: retryableErr, Attempts: &attempts})
	attempts2 := 2
	_ = repo.UpdateService(context.Background(), "s1", planregistry.ServiceSchema, scan.ServicePatch{Status: scan.ServiceStatusSuccess, Attempts: &attempts2})

	_ = repo.TransitionScan(context.Background(), "s1", scan.StatusRunning, scan.StatusPartial, scan.ScanPatch{})
}

func TestRetry_ResetsEligibleAndInvokesOrchestrator(t *testing.T) {
	repo := scantest.New()
	setupFailedScan(t, repo)

	enforcer := planenforce.New(repo, fixedNow)
	orch := &fakeOrchestrator{}
	sub := New(repo, enforcer, orch)

	identity := planenforce.ResolvedIdentity{Identity: scan.Identity{UserID: "u1"}, Plan: planregistry.TierFree}
	eligible, err := sub.Retry(context.Background(), "s1", identity, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(eligible) != 1 || eligible[0] != planregistry.ServiceAccessibility {
		t.Fatalf("expected only accessibility eligible, got %v", eligible)
	}
	if !orch.called || orch.gotScanID != "s1" {
		t.Fatal("expected orchestrator to be invoked for s1")
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s1")
	if b.Scan.Status != scan.StatusRunning {
		t.Errorf("expected scan transitioned to running, got %s", b.Scan.Status)
	}
	acc := b.ServiceByName(planregistry.ServiceAccessibility)
	if acc.Status != scan.ServiceStatusPending {
		t.Errorf("expected accessibility reset to pending, got %s", acc.Status)
	}
}

func TestRetry_ExcludesNonRetryableAndExhaustedAttempts(t *testing.T) {
	repo := scantest.New()
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility, planregistry.ServiceSchema, planregistry.ServiceBacklinks}
	_ = repo.CreateScanWithServices(context.Background(), scan.Scan{ID: "s2", Status: scan.StatusPending, CreatedAt: fixedNow()}, names, 2)
	_ = repo.TransitionScan(context.Background(), "s2", scan.StatusPending, scan.StatusRunning, scan.ScanPatch{})

	nonRetryable := &scan.ServiceError{Code: scan.ErrCodeInvalidInput, Retryable: false}
	_ = repo.UpdateService(context.Background(), "s2", planregistry.ServiceAccessibility, scan.ServicePatch{Status: scan.ServiceStatusFailed, Error: nonRetryable})

	exhausted := 2
	retryableButExhausted := &scan.ServiceError{Code: scan.ErrCodeNetwork, Retryable: true}
	_ = repo.UpdateService(context.Background(), "s2", planregistry.ServiceSchema, scan.ServicePatch{Status: scan.ServiceStatusFailed, Error: retryableButExhausted, Attempts: &exhausted})

	attempts := 1
	retryableErr := &scan.ServiceError{Code: scan.ErrCodeNetwork, Retryable: true}
	_ = repo.UpdateService(context.Background(), "s2", planregistry.ServiceBacklinks, scan.ServicePatch{Status: scan.ServiceStatusFailed, Error: retryableErr, Attempts: &attempts})

	_ = repo.TransitionScan(context.Background(), "s2", scan.StatusRunning, scan.StatusFailed, scan.ScanPatch{})

	enforcer := planenforce.New(repo, fixedNow)
	orch := &fakeOrchestrator{}
	sub := New(repo, enforcer, orch)

	identity := planenforce.ResolvedIdentity{Identity: scan.Identity{UserID: "u1"}, Plan: planregistry.TierFree}
	eligible, err := sub.Retry(context.Background(), "s2", identity, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(eligible) != 1 || eligible[0] != planregistry.ServiceBacklinks {
		t.Fatalf("expected only backlinks eligible, got %v", eligible)
	}
}

func TestRetry_NoEligibleServicesErrors(t *testing.T) {
	repo := scantest.New()
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility}
	_ = repo.CreateScanWithServices(context.Background(), scan.Scan{ID: "s3", Status: scan.StatusPending, CreatedAt: fixedNow()}, names, 2)
	_ = repo.TransitionScan(context.Background(), "s3", scan.StatusPending, scan.StatusRunning, scan.ScanPatch{})
	_ = repo.UpdateService(context.Background(), "s3", planregistry.ServiceAccessibility, scan.ServicePatch{Status: scan.ServiceStatusSuccess})
	_ = repo.TransitionScan(context.Background(), "s3", scan.StatusRunning, scan.StatusCompleted, scan.ScanPatch{})

	enforcer := planenforce.New(repo, fixedNow)
	orch := &fakeOrchestrator{}
	sub := New(repo, enforcer, orch)

	identity := planenforce.ResolvedIdentity{Identity: scan.Identity{UserID: "u1"}, Plan: planregistry.TierFree}
	_, err := sub.Retry(context.Background(), "s3", identity, nil)
	if err != ErrNoRetryableServices {
		t.Fatalf("expected ErrNoRetryableServices, got %v", err)
	}
	if orch.called {
		t.Error("orchestrator must not be invoked when nothing is eligible")
	}
}

func TestRetry_RejectsNonTerminalScan(t *testing.T) {
	repo := scantest.New()
	names := []planregistry.ServiceName{planregistry.ServiceAccessibility}
	_ = repo.CreateScanWithServices(context.Background(), scan.Scan{ID: "s4", Status: scan.StatusPending, CreatedAt: fixedNow()}, names, 2)

	enforcer := planenforce.New(repo, fixedNow)
	orch := &fakeOrchestrator{}
	sub := New(repo, enforcer, orch)

	identity := planenforce.ResolvedIdentity{Identity: scan.Identity{UserID: "u1"}, Plan: planregistry.TierFree}
	_, err := sub.Retry(context.Background(), "s4", identity, nil)
	if err != ErrScanNotTerminal {
		t.Fatalf("expected ErrScanNotTerminal, got %v", err)
	}
}

func TestRetry_RequestedSubsetFurtherRestrictsEligibility(t *testing.T) {
	repo := scantest.New()
	setupFailedScan(t, repo)

	enforcer := planenforce.New(repo, fixedNow)
	orch := &fakeOrchestrator{}
	sub := New(repo, enforcer, orch)

	identity := planenforce.ResolvedIdentity{Identity: scan.Identity{UserID: "u1"}, Plan: planregistry.TierFree}
	eligible, err := sub.Retry(context.Background(), "s1", identity, []planregistry.ServiceName{planregistry.ServiceSchema})
	if err != ErrNoRetryableServices {
		t.Fatalf("expected ErrNoRetryableServices when requested subset excludes the only eligible service, got eligible=%v err=%v", eligible, err)
	}
}
