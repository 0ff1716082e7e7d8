package scanapi

import (
	"net/http"
	"time"

	"github.com/wisbric/seoscan/internal/httpserver"
)

// defaultMetricsWindow is used when the caller omits timeRange or supplies
// one this parser does not recognize.
const defaultMetricsWindow = 24 * time.Hour

// HandleMetricsSummary backs GET /monitoring/metrics?timeRange=... —
// aggregate analytics over scan_metrics/service_metrics (SPEC_FULL.md §7,
// grounded in scan.Repository.AggregateScanMetrics).
func (h *Handler) HandleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-parseTimeRange(r.URL.Query().Get("timeRange")))

	summary, err := h.repo.AggregateScanMetrics(r.Context(), since)
	if err != nil {
		h.logger.Error("aggregating scan metrics", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to aggregate metrics")
		return
	}

	httpserver.Respond(w, http.StatusOK, summary)
}

// parseTimeRange accepts Go duration syntax ("1h", "24h", "168h") plus the
// day-granularity shorthand "Nd". Anything else falls back to
// defaultMetricsWindow rather than rejecting the request: this is a
// read-only analytics convenience endpoint, not a validated write path.
func parseTimeRange(raw string) time.Duration {
	if raw == "" {
		return defaultMetricsWindow
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if n := len(raw); n > 1 && raw[n-1] == 'd' {
		if days, err := time.ParseDuration(raw[:n-1] + "h"); err == nil {
			return days * 24
		}
	}
	return defaultMetricsWindow
}
