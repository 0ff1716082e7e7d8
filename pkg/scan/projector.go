package scan

import (
	"time"

	"github.com/wisbric/seoscan/pkg/planregistry"
)

// StatusResponse is the locked polling response shape (spec.md §6), nested
// under the top-level `{"success":true,"data":...}` envelope by
// internal/httpserver.
type StatusResponse struct {
	ScanID      string                          `json:"scanId"`
	Status      Status                          `json:"status"`
	URL         string                          `json:"url"`
	StartedAt   *time.Time                      `json:"startedAt"`
	CompletedAt *time.Time                      `json:"completedAt"`
	Progress    Progress                        `json:"progress"`
	Services    map[string]ServiceStatusPayload `json:"services"`
	Meta        Meta                            `json:"meta"`
}

// ServiceStatusPayload is the per-service entry in StatusResponse.Services.
type ServiceStatusPayload struct {
	Status ServiceStatus        `json:"status"`
	Data   interface{}          `json:"data,omitempty"`
	Error  *ServiceErrorPayload `json:"error"`
	Retry  RetryInfo            `json:"retry"`
}

// ServiceErrorPayload is the error descriptor attached to a failed service.
type ServiceErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RetryInfo reports a service's retry eligibility at read time.
type RetryInfo struct {
	Attempts    int  `json:"attempts"`
	MaxAttempts int  `json:"maxAttempts"`
	CanRetry    bool `json:"canRetry"`
}

// Meta carries response-format metadata that is stable across scans.
type Meta struct {
	Version string `json:"version"`
	Cached  bool   `json:"cached"`
}

// ProgressResponse is the lightweight shape returned by
// GET /scan/:scanId/progress.
type ProgressResponse struct {
	ScanID   string   `json:"scanId"`
	Status   Status   `json:"status"`
	Progress Progress `json:"progress"`
}

// Project converts a scan bundle into the locked polling response shape
// (spec.md §4.J). Project is pure: no writes, no side effects, and it
// always emits every catalogue service as a key regardless of plan or
// which services the bundle actually ran.
func Project(b Bundle) StatusResponse {
	services := make(map[string]ServiceStatusPayload, len(planregistry.Catalogue))
	for _, name := range planregistry.Catalogue {
		services[string(name)] = projectService(b.ServiceByName(name))
	}

	return StatusResponse{
		ScanID:      b.Scan.ID,
		Status:      b.Scan.Status,
		URL:         b.Scan.SubmittedURL,
		StartedAt:   b.Scan.StartedAt,
		CompletedAt: b.Scan.CompletedAt,
		Progress:    ComputeProgress(b.Services),
		Services:    services,
		Meta:        Meta{Version: "1.0", Cached: b.Scan.Cached},
	}
}

// projectService builds one service's payload. A nil execution (not part
// of the requested/allowed set for this scan) projects as pending with a
// zero retry budget, since the catalogue-completeness invariant still
// requires a key for it.
func projectService(se *ServiceExecution) ServiceStatusPayload {
	if se == nil {
		return ServiceStatusPayload{Status: ServiceStatusPending}
	}

	payload := ServiceStatusPayload{
		Status: se.Status,
		Retry: RetryInfo{
			Attempts:    se.Attempts,
			MaxAttempts: se.MaxAttempts,
		},
	}

	if se.Status == ServiceStatusSuccess && se.Result != nil {
		payload.Data = rawJSON(se.Result)
	}

	if se.Status == ServiceStatusFailed && se.Error != nil {
		payload.Error = &ServiceErrorPayload{
			Code:      se.Error.Code,
			Message:   se.Error.Message,
			Retryable: se.Error.Retryable,
		}
		payload.Retry.CanRetry = se.Error.Retryable && se.Attempts < se.MaxAttempts
	}

	return payload
}

// ProjectProgress converts a bundle into the lightweight progress shape
// returned by the dedicated progress endpoint.
func ProjectProgress(b Bundle) ProgressResponse {
	return ProgressResponse{
		ScanID:   b.Scan.ID,
		Status:   b.Scan.Status,
		Progress: ComputeProgress(b.Services),
	}
}

// rawJSON marks already-encoded JSON bytes so encoding/json emits them
// verbatim instead of base64-encoding a []byte.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
