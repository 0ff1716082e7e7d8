package scanapi

import (
	"time"

	"github.com/wisbric/seoscan/pkg/scan"
)

// CreateScanRequest is the POST /scan request body (spec.md §6).
type CreateScanRequest struct {
	URL      string   `json:"url" validate:"required,url"`
	Services []string `json:"services" validate:"omitempty,dive,oneof=accessibility duplicateContent backlinks schema multiLanguage rankTracker"`
	Force    bool     `json:"force"`
}

// PlanInfo summarizes the caller's effective plan for the POST /scan
// response (spec.md §6).
type PlanInfo struct {
	Type               string   `json:"type"`
	AllowedServices    []string `json:"allowedServices"`
	RestrictedServices []string `json:"restrictedServices"`
}

// CreateScanResponse is the POST /scan response body.
type CreateScanResponse struct {
	ScanID    string      `json:"scanId"`
	Status    scan.Status `json:"status"`
	URL       string      `json:"url"`
	StartedAt *time.Time  `json:"startedAt"`
	Plan      PlanInfo    `json:"plan"`
}

// RetryRequest is the POST /scan/:scanId/retry request body.
type RetryRequest struct {
	Services []string `json:"services" validate:"omitempty,dive,oneof=accessibility duplicateContent backlinks schema multiLanguage rankTracker"`
}

// RetryResponse is the POST /scan/:scanId/retry response body.
type RetryResponse struct {
	ScanID          string   `json:"scanId"`
	RetriedServices []string `json:"retriedServices"`
}

// RetryStatusResponse is the GET /scan/:scanId/retry/status response body:
// per-service retry eligibility, independent of the full status projection.
type RetryStatusResponse struct {
	ScanID   string                      `json:"scanId"`
	Status   scan.Status                 `json:"status"`
	Services map[string]RetryServiceInfo `json:"services"`
}

// RetryServiceInfo reports one service's current retry eligibility.
type RetryServiceInfo struct {
	Status      scan.ServiceStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"maxAttempts"`
	CanRetry    bool               `json:"canRetry"`
}

// ExportResponse is the GET /scan/:scanId/export response body: a
// downloads-entitlement-gated copy of the full status projection
// (spec.md §4.D CheckDownload; supplemented endpoint, see SPEC_FULL.md §7).
type ExportResponse struct {
	scan.StatusResponse
	ExportedAt time.Time `json:"exportedAt"`
}
