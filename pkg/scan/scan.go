// Package scan holds the scan lifecycle state machine, its persistence
// contract, and the status projection that turns scan+service rows into
// the locked polling response shape (spec components B, F, J).
package scan

import (
	"time"

	"github.com/wisbric/seoscan/pkg/planregistry"
)

// Status is a scan's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is one of the scan terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// ServiceStatus is a service execution's lifecycle state.
type ServiceStatus string

const (
	ServiceStatusPending ServiceStatus = "pending"
	ServiceStatusRunning ServiceStatus = "running"
	ServiceStatusSuccess ServiceStatus = "success"
	ServiceStatusFailed  ServiceStatus = "failed"
)

// IsTerminal reports whether s is one of the service terminal states
// ("completed" in spec.md's progress-accounting sense).
func (s ServiceStatus) IsTerminal() bool {
	return s == ServiceStatusSuccess || s == ServiceStatusFailed
}

// ServiceError describes a failed service execution.
type ServiceError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Well-known error codes (spec.md §7 taxonomy, §4.G classification).
const (
	ErrCodeServiceRestricted = "SERVICE_RESTRICTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNetwork           = "NETWORK"
	ErrCodeUpstream5xx       = "UPSTREAM_5XX"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUpstream4xx       = "UPSTREAM_4XX"
	ErrCodeUnknown           = "UNKNOWN"
	ErrCodeScanTimeout       = "SCAN_TIMEOUT"
)

// Scan is the aggregate root for one scan request.
type Scan struct {
	ID               string
	SubmittedURL     string
	NormalizedURL    string
	Fingerprint      string
	UserID           *string // mutually exclusive with OwnerIP
	OwnerIP          *string
	Plan             planregistry.Tier
	Status           Status
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Cached           bool
	TotalExecutionMs *int64
	CreatedAt        time.Time
}

// ServiceExecution is one (scan, service) row.
type ServiceExecution struct {
	ScanID      string
	ServiceName planregistry.ServiceName
	Status      ServiceStatus
	Result      []byte // opaque JSON, present only on success
	Error       *ServiceError
	ExecutionMs *int64
	Attempts    int
	MaxAttempts int
	UpdatedAt   time.Time
}

// Bundle is a scan row plus all its service rows, read as one consistent
// snapshot (spec.md Glossary: "scan bundle").
type Bundle struct {
	Scan     Scan
	Services []ServiceExecution
}

// ServiceByName returns the service execution for name, or nil if absent
// from the bundle (should not happen for a well-formed bundle, since every
// catalogue service always has a row).
func (b Bundle) ServiceByName(name planregistry.ServiceName) *ServiceExecution {
	for i := range b.Services {
		if b.Services[i].ServiceName == name {
			return &b.Services[i]
		}
	}
	return nil
}

// Progress is a derived, non-persisted projection over a bundle's service
// rows (spec.md §3).
type Progress struct {
	CompletedServices int
	TotalServices     int
	Percentage        int
}

// ComputeProgress derives Progress from a set of service rows. Pending and
// running services never count toward progress.
func ComputeProgress(services []ServiceExecution) Progress {
	total := len(services)
	completed := 0
	for _, s := range services {
		if s.Status.IsTerminal() {
			completed++
		}
	}

	pct := 0
	if total > 0 {
		pct = (100 * completed) / total
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
	}

	return Progress{CompletedServices: completed, TotalServices: total, Percentage: pct}
}

// TerminalStatus computes the scan-level terminal status from a fully
// settled service row set, per spec.md §4.F. Callers must ensure every
// service has reached a terminal state before calling this.
func TerminalStatus(services []ServiceExecution) Status {
	anySuccess, anyFailed := false, false
	for _, s := range services {
		switch s.Status {
		case ServiceStatusSuccess:
			anySuccess = true
		case ServiceStatusFailed:
			anyFailed = true
		}
	}
	switch {
	case anySuccess && anyFailed:
		return StatusPartial
	case anySuccess:
		return StatusCompleted
	default:
		return StatusFailed
	}
}
