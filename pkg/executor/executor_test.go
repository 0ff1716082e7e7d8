package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scan/scantest"
)

type fakeRunner struct {
	name   planregistry.ServiceName
	result json.RawMessage
	err    error
	delay  time.Duration
	panics bool
}

func (f *fakeRunner) Name() planregistry.ServiceName { return f.name }

func (f *fakeRunner) Run(ctx context.Context, _ string, _ collaborator.Config) (json.RawMessage, error) {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func setupScan(t *testing.T, repo *scantest.MemoryRepository, name planregistry.ServiceName) {
	t.Helper()
	err := repo.CreateScanWithServices(context.Background(), scan.Scan{ID: "s1", Status: scan.StatusRunning}, []planregistry.ServiceName{name}, 2)
	if err != nil {
		t.Fatalf("setup CreateScanWithServices: %v", err)
	}
}

func TestRun_SuccessPersistsResult(t *testing.T) {
	repo := scantest.New()
	setupScan(t, repo, planregistry.ServiceAccessibility)

	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility, result: json.RawMessage(`{"score":1}`)})

	ex := New(reg, repo, nil)
	se := ex.Run(context.Background(), WorkItem{ScanID: "s1", ServiceName: planregistry.ServiceAccessibility, NormalizedURL: "https://example.com/"})

	if se.Status != scan.ServiceStatusSuccess {
		t.Fatalf("expected success, got %s (err=%v)", se.Status, se.Error)
	}
	if se.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", se.Attempts)
	}

	b, _ := repo.LoadScanBundle(context.Background(), "s1")
	got := b.ServiceByName(planregistry.ServiceAccessibility)
	if got.Status != scan.ServiceStatusSuccess {
		t.Errorf("persisted status = %s, want success", got.Status)
	}
}

func TestRun_ClassifiedErrorIsPersistedAsFailed(t *testing.T) {
	repo := scantest.New()
	setupScan(t, repo, planregistry.ServiceBacklinks)

	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceBacklinks, err: &collaborator.ClassifiedError{Code: "UPSTREAM_5XX", Message: "boom"}})

	ex := New(reg, repo, nil)
	se := ex.Run(context.Background(), WorkItem{ScanID: "s1", ServiceName: planregistry.ServiceBacklinks, NormalizedURL: "https://example.com/"})

	if se.Status != scan.ServiceStatusFailed {
		t.Fatalf("expected failed, got %s", se.Status)
	}
	if se.Error.Code != "UPSTREAM_5XX" || !se.Error.Retryable {
		t.Errorf("expected retryable UPSTREAM_5XX, got %+v", se.Error)
	}
}

func TestRun_TimeoutClassifiedAsTimeout(t *testing.T) {
	repo := scantest.New()
	setupScan(t, repo, planregistry.ServiceSchema)

	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceSchema, delay: 50 * time.Millisecond})

	ex := New(reg, repo, nil)
	se := ex.Run(context.Background(), WorkItem{
		ScanID: "s1", ServiceName: planregistry.ServiceSchema, NormalizedURL: "https://example.com/",
		Timeout: 5 * time.Millisecond,
	})

	if se.Status != scan.ServiceStatusFailed || se.Error.Code != scan.ErrCodeTimeout {
		t.Fatalf("expected TIMEOUT failure, got %+v", se)
	}
	if !se.Error.Retryable {
		t.Error("expected TIMEOUT to be retryable")
	}
}

func TestRun_PanicRecoveredAsUnknown(t *testing.T) {
	repo := scantest.New()
	setupScan(t, repo, planregistry.ServiceRankTracker)

	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceRankTracker, panics: true})

	ex := New(reg, repo, nil)
	se := ex.Run(context.Background(), WorkItem{ScanID: "s1", ServiceName: planregistry.ServiceRankTracker, NormalizedURL: "https://example.com/"})

	if se.Status != scan.ServiceStatusFailed || se.Error.Code != scan.ErrCodeUnknown {
		t.Fatalf("expected UNKNOWN failure after panic, got %+v", se)
	}
}

func TestRun_AttemptsIncrementsFromCurrent(t *testing.T) {
	repo := scantest.New()
	setupScan(t, repo, planregistry.ServiceAccessibility)

	reg := collaborator.NewRegistry()
	reg.Register(&fakeRunner{name: planregistry.ServiceAccessibility, result: json.RawMessage(`{}`)})

	ex := New(reg, repo, nil)
	se := ex.Run(context.Background(), WorkItem{ScanID: "s1", ServiceName: planregistry.ServiceAccessibility, CurrentAttempts: 1})

	if se.Attempts != 2 {
		t.Errorf("expected attempts=2, got %d", se.Attempts)
	}
}

func TestClassify_NonRetryableCodes(t *testing.T) {
	for _, code := range []string{scan.ErrCodeInvalidInput, scan.ErrCodeUpstream4xx, scan.ErrCodeServiceRestricted} {
		se := classify(&collaborator.ClassifiedError{Code: code, Message: "x"}, false)
		if se.Retryable {
			t.Errorf("expected %s to be non-retryable", code)
		}
	}
}

func TestClassify_UnclassifiedDefaultsToUnknownRetryable(t *testing.T) {
	se := classify(errors.New("plain error"), false)
	if se.Code != scan.ErrCodeUnknown || !se.Retryable {
		t.Errorf("expected UNKNOWN+retryable for unclassified error, got %+v", se)
	}
}
