// Package retry implements the Retry Subsystem (spec component I): given
// a scan and an optional caller-supplied service subset, it resets
// eligible failed services back to pending and re-invokes the
// orchestrator restricted to that set.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/planenforce"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
)

// ErrNoRetryableServices is returned when the eligible set computed from
// the current bundle and the caller's requested subset is empty
// (spec.md §4.I: nothing failed-and-retryable to retry).
var ErrNoRetryableServices = errors.New("retry: no retryable services")

// ErrScanNotTerminal is returned when the scan is not in a terminal
// state and therefore cannot be retried.
var ErrScanNotTerminal = errors.New("retry: scan is not in a terminal state")

// Orchestrator is the subset of orchestrator.Orchestrator the retry
// subsystem depends on, kept narrow to avoid an import cycle and to ease
// testing.
type Orchestrator interface {
	OrchestrateRetry(ctx context.Context, scanID string, eligible []planregistry.ServiceName, tier planregistry.Tier, normalizedURL string, cfg collaborator.Config) error
}

// Subsystem is the Retry Subsystem.
type Subsystem struct {
	repo     scan.Repository
	enforcer *planenforce.Enforcer
	orch     Orchestrator
}

// New returns a Subsystem.
func New(repo scan.Repository, enforcer *planenforce.Enforcer, orch Orchestrator) *Subsystem {
	return &Subsystem{repo: repo, enforcer: enforcer, orch: orch}
}

// Retry implements spec.md §4.I's surgical-reset algorithm: consume the
// caller's daily retry quota, load the bundle, compute the eligible
// subset, CAS-transition the scan back to running, reset those rows to
// pending, then re-invoke the orchestrator restricted to that subset.
// requested, when non-nil, further restricts the eligible set to the
// caller-named services; nil means "every retryable service".
func (s *Subsystem) Retry(ctx context.Context, scanID string, identity planenforce.ResolvedIdentity, requested []planregistry.ServiceName) ([]planregistry.ServiceName, error) {
	if err := s.enforcer.AdmitRetry(ctx, identity); err != nil {
		return nil, err
	}

	bundle, err := s.repo.LoadScanBundle(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("loading scan bundle: %w", err)
	}
	if !bundle.Scan.Status.IsTerminal() {
		return nil, ErrScanNotTerminal
	}

	eligible := eligibleServices(bundle, requested)
	if len(eligible) == 0 {
		return nil, ErrNoRetryableServices
	}

	// CAS-guarded terminal→running transition first: a concurrent
	// duplicate retry call that loses this race returns
	// ErrInvalidTransition because the row has already left the terminal
	// state it observed, so at most one caller ever proceeds to reset
	// rows or re-dispatch. Resetting before winning this race would let
	// a losing caller clobber back to pending a service the winner has
	// already moved on to running.
	if err := s.repo.TransitionScan(ctx, scanID, bundle.Scan.Status, scan.StatusRunning, scan.ScanPatch{}); err != nil {
		return nil, fmt.Errorf("transitioning scan to running for retry: %w", err)
	}

	if err := s.repo.ResetServicesToPending(ctx, scanID, eligible); err != nil {
		return nil, fmt.Errorf("resetting services to pending: %w", err)
	}

	if err := s.orch.OrchestrateRetry(ctx, scanID, eligible, identity.Plan, bundle.Scan.NormalizedURL, nil); err != nil {
		return nil, fmt.Errorf("orchestrating retry: %w", err)
	}

	return eligible, nil
}

// eligibleServices computes the failed-and-retryable-and-under-budget
// subset of bundle's services, intersected with requested when it is
// non-nil (spec.md §4.I step 2).
func eligibleServices(bundle scan.Bundle, requested []planregistry.ServiceName) []planregistry.ServiceName {
	var wanted map[planregistry.ServiceName]bool
	if requested != nil {
		wanted = make(map[planregistry.ServiceName]bool, len(requested))
		for _, name := range requested {
			wanted[name] = true
		}
	}

	var eligible []planregistry.ServiceName
	for _, se := range bundle.Services {
		if se.Status != scan.ServiceStatusFailed {
			continue
		}
		if se.Error == nil || !se.Error.Retryable {
			continue
		}
		if se.Attempts >= se.MaxAttempts {
			continue
		}
		if wanted != nil && !wanted[se.ServiceName] {
			continue
		}
		eligible = append(eligible, se.ServiceName)
	}
	return eligible
}
