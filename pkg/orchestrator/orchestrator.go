// Package orchestrator fans out service executors for a scan and
// finalizes its terminal status (spec component H).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/seoscan/internal/observability"
	"github.com/wisbric/seoscan/internal/telemetry"
	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/executor"
	"github.com/wisbric/seoscan/pkg/planenforce"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scancache"
)

// Config holds orchestrator-wide timing knobs (spec.md §6).
type Config struct {
	ScanTimeout      time.Duration
	ScanTimeoutGrace time.Duration
}

// DefaultConfig returns the spec-mandated defaults (§4.H, §6).
func DefaultConfig() Config {
	return Config{ScanTimeout: 120 * time.Second, ScanTimeoutGrace: 5 * time.Second}
}

// Orchestrator is the Async Orchestrator (spec.md §4.H).
type Orchestrator struct {
	repo     scan.Repository
	registry *collaborator.Registry
	cache    *scancache.Service
	sink     *observability.Sink
	cfg      Config
}

// New returns an Orchestrator.
func New(repo scan.Repository, registry *collaborator.Registry, cache *scancache.Service, sink *observability.Sink, cfg Config) *Orchestrator {
	return &Orchestrator{repo: repo, registry: registry, cache: cache, sink: sink, cfg: cfg}
}

// ErrNotPending is returned by OrchestrateNew when the scan is not in the
// pending state it requires to start.
var ErrNotPending = errors.New("orchestrator: scan is not pending")

// OrchestrateNew implements spec.md §4.H's orchestrateNew algorithm: load,
// transition to running, filter requested services against the plan,
// synchronously fail restricted services, then fan out the effective set.
func (o *Orchestrator) OrchestrateNew(ctx context.Context, scanID string, requested []planregistry.ServiceName, tier planregistry.Tier, normalizedURL string, cfg collaborator.Config) error {
	bundle, err := o.repo.LoadScanBundle(ctx, scanID)
	if err != nil {
		return fmt.Errorf("loading scan bundle: %w", err)
	}
	if bundle.Scan.Status != scan.StatusPending {
		return ErrNotPending
	}

	now := time.Now()
	if err := o.repo.TransitionScan(ctx, scanID, scan.StatusPending, scan.StatusRunning, scan.ScanPatch{StartedAt: &now}); err != nil {
		return fmt.Errorf("transitioning scan to running: %w", err)
	}

	effective, restricted := planenforce.FilterServices(requested, tier)
	for _, name := range restricted {
		svcErr := scan.ServiceError{Code: scan.ErrCodeServiceRestricted, Message: "service not included in plan", Retryable: false}
		if err := o.repo.UpdateService(ctx, scanID, name, scan.ServicePatch{Status: scan.ServiceStatusFailed, Error: &svcErr}); err != nil {
			o.emit(observability.Event{Name: "service_persist_failed", ScanID: scanID, ServiceName: string(name)})
		}
	}

	return o.fanOut(ctx, scanID, effective, normalizedURL, cfg, tier, now)
}

// OrchestrateRetry implements the retry path described in spec.md §4.I
// step 6: exactly §4.H from step 4 onward, restricted to the eligible
// set the retry subsystem has already reset to pending and whose scan
// row it has already transitioned terminal→running.
func (o *Orchestrator) OrchestrateRetry(ctx context.Context, scanID string, eligible []planregistry.ServiceName, tier planregistry.Tier, normalizedURL string, cfg collaborator.Config) error {
	return o.fanOut(ctx, scanID, eligible, normalizedURL, cfg, tier, time.Now())
}

// fanOut dispatches one executor per service in effective, all
// concurrently, awaits them all, then finalizes the scan (spec.md §4.H
// steps 4-9).
func (o *Orchestrator) fanOut(ctx context.Context, scanID string, effective []planregistry.ServiceName, normalizedURL string, cfg collaborator.Config, tier planregistry.Tier, startedAt time.Time) error {
	deadline := startedAt.Add(o.cfg.ScanTimeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	bundle, err := o.repo.LoadScanBundle(ctx, scanID)
	if err != nil {
		return fmt.Errorf("reloading scan bundle before fan-out: %w", err)
	}

	ex := executor.New(o.registry, o.repo, o.sink)

	var wg sync.WaitGroup
	for _, name := range effective {
		se := bundle.ServiceByName(name)
		attempts := 0
		if se != nil {
			attempts = se.Attempts
		}
		item := executor.WorkItem{
			ScanID: scanID, ServiceName: name, NormalizedURL: normalizedURL,
			Config: cfg, CurrentAttempts: attempts,
		}
		wg.Add(1)
		go func(item executor.WorkItem) {
			defer wg.Done()
			// Each dispatch is isolated: Executor.Run itself recovers
			// collaborator panics, so a single service's crash never
			// aborts another or this goroutine.
			ex.Run(runCtx, item)
		}(item)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-runCtx.Done():
		// Global deadline hit; give in-flight executors the grace
		// period to land their own SCAN_TIMEOUT rows before we abandon
		// them and mark whatever is still running as SCAN_TIMEOUT ourselves.
		select {
		case <-waitDone:
		case <-time.After(o.cfg.ScanTimeoutGrace):
		}
		o.markAbandonedAsScanTimeout(context.Background(), scanID, effective)
	}

	return o.finalize(context.Background(), scanID, tier)
}

// markAbandonedAsScanTimeout marks any service in names still running or
// pending as failed(SCAN_TIMEOUT) after the global deadline and grace
// period have both elapsed (spec.md §5 cancellation semantics).
func (o *Orchestrator) markAbandonedAsScanTimeout(ctx context.Context, scanID string, names []planregistry.ServiceName) {
	bundle, err := o.repo.LoadScanBundle(ctx, scanID)
	if err != nil {
		return
	}
	for _, name := range names {
		se := bundle.ServiceByName(name)
		if se == nil || se.Status.IsTerminal() {
			continue
		}
		svcErr := scan.ServiceError{Code: scan.ErrCodeScanTimeout, Message: "scan deadline exceeded", Retryable: true}
		_ = o.repo.UpdateService(ctx, scanID, name, scan.ServicePatch{Status: scan.ServiceStatusFailed, Error: &svcErr})
	}
}

// finalize reloads the full service row set, computes the terminal
// status, transitions the scan, stores the cache entry on success, and
// emits the scan-level observability event (spec.md §4.H steps 6-9).
func (o *Orchestrator) finalize(ctx context.Context, scanID string, tier planregistry.Tier) error {
	bundle, err := o.repo.LoadScanBundle(ctx, scanID)
	if err != nil {
		return fmt.Errorf("reloading scan bundle for finalize: %w", err)
	}

	terminal := scan.TerminalStatus(bundle.Services)
	completedAt := time.Now()
	var totalMs int64
	for _, se := range bundle.Services {
		if se.ExecutionMs != nil {
			totalMs += *se.ExecutionMs
		}
	}

	if err := o.repo.TransitionScan(ctx, scanID, scan.StatusRunning, terminal, scan.ScanPatch{
		CompletedAt: &completedAt, TotalExecutionMs: &totalMs,
	}); err != nil {
		return fmt.Errorf("transitioning scan to terminal status: %w", err)
	}
	telemetry.ScansFinalizedTotal.WithLabelValues(string(terminal)).Inc()

	if terminal == scan.StatusCompleted || terminal == scan.StatusPartial {
		if o.cache != nil {
			if err := o.cache.Store(ctx, scanID, bundle.Scan.Fingerprint, terminal, tier); err != nil {
				o.emit(observability.Event{Name: "cache_store_failed", ScanID: scanID, ErrorMessage: err.Error()})
			}
		}
	}

	eventName := "scan_completed"
	if terminal == scan.StatusFailed {
		eventName = "scan_failed"
	}
	ms := totalMs
	o.emit(observability.Event{Name: eventName, ScanID: scanID, Plan: tier, ExecutionMs: &ms})

	var failed, executed int
	for _, se := range bundle.Services {
		executed++
		if se.Status == scan.ServiceStatusFailed {
			failed++
		}
	}
	if o.sink != nil {
		o.sink.RecordScanMetric(scan.ScanMetric{
			ScanID: scanID, Plan: tier, Status: terminal, TotalMs: &totalMs,
			ServicesExecuted: executed, ServicesFailed: failed,
		})
	}

	return nil
}

func (o *Orchestrator) emit(e observability.Event) {
	if o.sink == nil {
		return
	}
	o.sink.Emit(e)
}
