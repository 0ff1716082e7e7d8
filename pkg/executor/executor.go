// Package executor runs a single (scan, service) work item against its
// collaborator under a timeout and persists the outcome (spec component
// G).
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/wisbric/seoscan/internal/observability"
	"github.com/wisbric/seoscan/internal/telemetry"
	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
)

// DefaultTimeout is the default per-service execution timeout (spec.md
// §4.G, overridable per work item via WorkItem.Timeout).
const DefaultTimeout = 30 * time.Second

// WorkItem is a single unit of executor work.
type WorkItem struct {
	ScanID          string
	ServiceName     planregistry.ServiceName
	NormalizedURL   string
	Config          collaborator.Config
	Timeout         time.Duration // zero means DefaultTimeout
	CurrentAttempts int           // attempts already recorded on the row before this run
}

// Executor runs WorkItems against the collaborator registry and persists
// results through Repository.
type Executor struct {
	registry *collaborator.Registry
	repo     scan.Repository
	sink     *observability.Sink
}

// New returns an Executor.
func New(registry *collaborator.Registry, repo scan.Repository, sink *observability.Sink) *Executor {
	return &Executor{registry: registry, repo: repo, sink: sink}
}

// Run executes one work item end to end: pending→running, invoke the
// collaborator under a timeout, persist the outcome, never re-raising
// (spec.md §4.G: "Never re-raises: all failures are captured and
// persisted"). The returned ServiceExecution reflects the row as written.
func (e *Executor) Run(ctx context.Context, item WorkItem) scan.ServiceExecution {
	start := time.Now()

	e.emit(item, "service_started", nil, "", "")

	if err := e.repo.UpdateService(ctx, item.ScanID, item.ServiceName, scan.ServicePatch{Status: scan.ServiceStatusRunning}); err != nil {
		// Row vanished or scan was deleted out from under us; nothing
		// further to do for this item.
		return scan.ServiceExecution{ScanID: item.ScanID, ServiceName: item.ServiceName, Status: scan.ServiceStatusFailed}
	}

	timeout := item.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, runErr := e.invoke(runCtx, item)
	timedOut := runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	executionMs := time.Since(start).Milliseconds()

	// Attempts increments by 1 irrespective of outcome (spec.md §4.G).
	attempts := item.CurrentAttempts + 1
	patch := scan.ServicePatch{ExecutionMs: &executionMs, Attempts: &attempts}
	var se scan.ServiceExecution
	se.ScanID, se.ServiceName, se.ExecutionMs, se.Attempts = item.ScanID, item.ServiceName, &executionMs, attempts

	if runErr == nil {
		patch.Status = scan.ServiceStatusSuccess
		patch.Result = result
		se.Status, se.Result = scan.ServiceStatusSuccess, result
		e.emit(item, "service_completed", &executionMs, "", "")
	} else {
		svcErr := classify(runErr, timedOut)
		if timedOut && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The scan-wide deadline, not this service's own timeout,
			// cut the run short.
			svcErr = scan.ServiceError{Code: scan.ErrCodeScanTimeout, Message: "scan deadline exceeded", Retryable: true}
		}
		patch.Status = scan.ServiceStatusFailed
		patch.Error = &svcErr
		se.Status, se.Error = scan.ServiceStatusFailed, &svcErr
		e.emit(item, "service_failed", &executionMs, svcErr.Code, svcErr.Message)
	}

	if err := e.repo.UpdateService(ctx, item.ScanID, item.ServiceName, patch); err != nil {
		e.emit(item, "service_persist_failed", &executionMs, "", err.Error())
	}
	telemetry.ServicesExecutedTotal.WithLabelValues(string(item.ServiceName), string(se.Status)).Inc()
	metric := scan.ServiceMetric{
		ScanID: item.ScanID, ServiceName: item.ServiceName, Status: se.Status, ExecutionMs: &executionMs,
		ErrorCode: errCode(se.Error), ErrorMessage: errMessage(se.Error),
	}
	if e.sink != nil {
		e.sink.RecordServiceMetric(metric)
	} else {
		_ = e.repo.InsertServiceMetric(ctx, metric)
	}

	return se
}

// invoke calls the registered collaborator, recovering a panicking
// runner so one service's crash never aborts another (spec.md §4.H
// "Failure containment").
func (e *Executor) invoke(ctx context.Context, item WorkItem) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &collaborator.ClassifiedError{Code: "UNKNOWN", Message: "collaborator panicked"}
		}
	}()

	runner, err := e.registry.Get(item.ServiceName)
	if err != nil {
		return nil, &collaborator.ClassifiedError{Code: "UNKNOWN", Message: err.Error()}
	}
	return runner.Run(ctx, item.NormalizedURL, item.Config)
}

// classify maps a collaborator error to the {code, message, retryable}
// taxonomy (spec.md §4.G, §7).
func classify(err error, timedOut bool) scan.ServiceError {
	if timedOut {
		return scan.ServiceError{Code: scan.ErrCodeTimeout, Message: "service execution timed out", Retryable: true}
	}

	var ce *collaborator.ClassifiedError
	if errors.As(err, &ce) {
		return scan.ServiceError{Code: ce.Code, Message: ce.Message, Retryable: retryableCode(ce.Code)}
	}

	return scan.ServiceError{Code: scan.ErrCodeUnknown, Message: err.Error(), Retryable: true}
}

// retryableCode reports whether the taxonomy code is retryable
// (spec.md §7).
func retryableCode(code string) bool {
	switch code {
	case scan.ErrCodeInvalidInput, scan.ErrCodeUpstream4xx, scan.ErrCodeServiceRestricted:
		return false
	default:
		return true
	}
}

func (e *Executor) emit(item WorkItem, name string, executionMs *int64, errCode, errMessage string) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(observability.Event{
		Name: name, ScanID: item.ScanID, ServiceName: string(item.ServiceName),
		ExecutionMs: executionMs, ErrorCode: errCode, ErrorMessage: errMessage,
	})
}

func errCode(e *scan.ServiceError) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func errMessage(e *scan.ServiceError) string {
	if e == nil {
		return ""
	}
	return e.Message
}
