// Package scanapi is the Scan domain HTTP handler (spec.md §6): it
// decodes/validates requests, resolves caller identity, and delegates to
// the orchestrator, retry subsystem, cache service, and plan enforcer,
// projecting every read through scan.Project so the response shape never
// depends on the request path taken to reach it.
package scanapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/seoscan/internal/httpserver"
	"github.com/wisbric/seoscan/internal/telemetry"
	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/orchestrator"
	"github.com/wisbric/seoscan/pkg/planenforce"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/retry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scancache"
	"github.com/wisbric/seoscan/pkg/urlnorm"
)

// Handler provides HTTP handlers for the scan API.
type Handler struct {
	repo     scan.Repository
	enforcer *planenforce.Enforcer
	cache    *scancache.Service
	orch     *orchestrator.Orchestrator
	retrySub *retry.Subsystem
	users    UserLookup
	logger   *slog.Logger
	normOpts urlnorm.Options
}

// NewHandler creates a scan Handler.
func NewHandler(repo scan.Repository, enforcer *planenforce.Enforcer, cache *scancache.Service, orch *orchestrator.Orchestrator, retrySub *retry.Subsystem, users UserLookup, logger *slog.Logger, normOpts urlnorm.Options) *Handler {
	return &Handler{
		repo: repo, enforcer: enforcer, cache: cache, orch: orch,
		retrySub: retrySub, users: users, logger: logger, normOpts: normOpts,
	}
}

// Routes returns a chi.Router with all scan routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Route("/{scanId}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/progress", h.handleProgress)
		r.Get("/results", h.handleGet)
		r.Post("/retry", h.handleRetry)
		r.Get("/retry/status", h.handleRetryStatus)
		r.Get("/export", h.handleExport)
	})
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateScanRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity, err := h.resolveIdentity(r)
	if err != nil {
		h.logger.Error("resolving identity", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve caller identity")
		return
	}

	normalizedURL, err := urlnorm.Normalize(req.URL, h.normOpts)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid url")
		return
	}
	fingerprint := urlnorm.Fingerprint(normalizedURL, catalogueStrings())

	requested := requestedServices(req.Services)
	plan := planregistry.Get(identity.Plan)

	if !req.Force {
		bundle, hit, err := h.cache.Lookup(r.Context(), fingerprint, false)
		if err != nil {
			h.logger.Error("cache lookup", "error", err)
		}
		if hit {
			telemetry.CacheHitsTotal.Inc()
			httpserver.Respond(w, http.StatusAccepted, CreateScanResponse{
				ScanID: bundle.Scan.ID, Status: bundle.Scan.Status, URL: bundle.Scan.SubmittedURL,
				StartedAt: bundle.Scan.StartedAt, Plan: planInfo(plan),
			})
			return
		}
		telemetry.CacheMissesTotal.Inc()
	}

	if err := h.enforcer.AdmitScan(r.Context(), identity); err != nil {
		h.respondQuotaError(w, err)
		return
	}
	telemetry.ScansStartedTotal.Inc()

	now := time.Now()
	s := scan.Scan{
		ID: uuid.New().String(), SubmittedURL: req.URL, NormalizedURL: normalizedURL,
		Fingerprint: fingerprint, Plan: identity.Plan, Status: scan.StatusPending, CreatedAt: now,
	}
	if identity.UserID != "" {
		s.UserID = &identity.UserID
	} else {
		s.OwnerIP = &identity.IP
	}

	if err := h.repo.CreateScanWithServices(r.Context(), s, planregistry.Catalogue, plan.RetriesPerService); err != nil {
		h.logger.Error("creating scan", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create scan")
		return
	}

	// Only used for the 202 body's plan summary: the orchestrator itself
	// performs the single authoritative FilterServices call against the
	// full requested set, since it alone is allowed to write the
	// restricted rows to failed(SERVICE_RESTRICTED) (spec.md §4.D/§4.H
	// step 3). Passing the already-filtered set here would make the
	// orchestrator's own filter a no-op and leave the restricted rows
	// pending forever.
	effective, restricted := planenforce.FilterServices(requested, identity.Plan)
	go h.runOrchestration(s.ID, requested, identity.Plan, normalizedURL)

	httpserver.Respond(w, http.StatusAccepted, CreateScanResponse{
		ScanID: s.ID, Status: scan.StatusPending, URL: req.URL, StartedAt: nil,
		Plan: PlanInfo{
			Type:               string(identity.Plan),
			AllowedServices:    serviceStrings(effective),
			RestrictedServices: serviceStrings(restricted),
		},
	})
}

// runOrchestration drives OrchestrateNew in the background: the scan has
// already been accepted and returned to the caller (HTTP 202), per
// spec.md §5's "polling endpoint database reads" suspension point — the
// client learns the outcome by polling GET /scan/:scanId, not by holding
// the connection open for up to ScanGlobalTimeout. requested is the full
// requested set (not yet filtered): OrchestrateNew performs the
// authoritative plan filter itself.
func (h *Handler) runOrchestration(scanID string, requested []planregistry.ServiceName, tier planregistry.Tier, normalizedURL string) {
	if err := h.orch.OrchestrateNew(context.Background(), scanID, requested, tier, normalizedURL, collaborator.Config{}); err != nil {
		h.logger.Error("orchestrating scan", "error", err, "scanId", scanID)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")

	bundle, err := h.repo.LoadScanBundle(r.Context(), scanID)
	if err != nil {
		h.respondLoadError(w, err, scanID)
		return
	}

	httpserver.Respond(w, http.StatusOK, scan.Project(bundle))
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")

	bundle, err := h.repo.LoadScanBundle(r.Context(), scanID)
	if err != nil {
		h.respondLoadError(w, err, scanID)
		return
	}

	httpserver.Respond(w, http.StatusOK, scan.ProjectProgress(bundle))
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")

	var req RetryRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity, err := h.resolveIdentity(r)
	if err != nil {
		h.logger.Error("resolving identity", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve caller identity")
		return
	}

	var requested []planregistry.ServiceName
	if len(req.Services) > 0 {
		requested = requestedServices(req.Services)
	}

	retried, err := h.retrySub.Retry(r.Context(), scanID, identity, requested)
	if err != nil {
		h.respondRetryError(w, err, scanID)
		return
	}
	telemetry.RetriesConsumedTotal.Inc()

	httpserver.Respond(w, http.StatusOK, RetryResponse{ScanID: scanID, RetriedServices: serviceStrings(retried)})
}

func (h *Handler) handleRetryStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")

	bundle, err := h.repo.LoadScanBundle(r.Context(), scanID)
	if err != nil {
		h.respondLoadError(w, err, scanID)
		return
	}

	services := make(map[string]RetryServiceInfo, len(planregistry.Catalogue))
	for _, name := range planregistry.Catalogue {
		se := bundle.ServiceByName(name)
		if se == nil {
			services[string(name)] = RetryServiceInfo{Status: scan.ServiceStatusPending}
			continue
		}
		canRetry := se.Status == scan.ServiceStatusFailed && se.Error != nil && se.Error.Retryable && se.Attempts < se.MaxAttempts
		services[string(name)] = RetryServiceInfo{
			Status: se.Status, Attempts: se.Attempts, MaxAttempts: se.MaxAttempts, CanRetry: canRetry,
		}
	}

	httpserver.Respond(w, http.StatusOK, RetryStatusResponse{ScanID: scanID, Status: bundle.Scan.Status, Services: services})
}

// handleExport exercises the downloads entitlement (spec.md §4.D
// CheckDownload), an endpoint spec.md's distilled §6 list omits despite
// describing the check itself — see SPEC_FULL.md §7.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")

	identity, err := h.resolveIdentity(r)
	if err != nil {
		h.logger.Error("resolving identity", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve caller identity")
		return
	}

	if err := h.enforcer.CheckDownload(r.Context(), identity); err != nil {
		if errors.Is(err, planenforce.ErrDownloadsRestricted) {
			httpserver.RespondError(w, http.StatusForbidden, "DOWNLOADS_RESTRICTED", "this plan does not permit downloading results")
			return
		}
		h.logger.Error("checking download entitlement", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check download entitlement")
		return
	}

	bundle, err := h.repo.LoadScanBundle(r.Context(), scanID)
	if err != nil {
		h.respondLoadError(w, err, scanID)
		return
	}

	httpserver.Respond(w, http.StatusOK, ExportResponse{StatusResponse: scan.Project(bundle), ExportedAt: time.Now()})
}

func (h *Handler) respondLoadError(w http.ResponseWriter, err error, scanID string) {
	if errors.Is(err, scan.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "scan not found")
		return
	}
	h.logger.Error("loading scan bundle", "error", err, "scanId", scanID)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load scan")
}

func (h *Handler) respondQuotaError(w http.ResponseWriter, err error) {
	var dle planenforce.DailyLimitError
	if errors.As(err, &dle) {
		httpserver.RespondErrorBody(w, http.StatusTooManyRequests, map[string]any{
			"code": "DAILY_LIMIT_REACHED", "limit": dle.Limit, "current": dle.Current, "upgradeRequired": true,
		})
		return
	}
	h.logger.Error("admitting scan", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to admit scan")
}

func (h *Handler) respondRetryError(w http.ResponseWriter, err error, scanID string) {
	var rle planenforce.RetryLimitError
	switch {
	case errors.As(err, &rle):
		httpserver.RespondErrorBody(w, http.StatusTooManyRequests, map[string]any{
			"code": "RETRY_LIMIT_REACHED", "limit": rle.Limit, "current": rle.Current, "upgradeRequired": true,
		})
	case errors.Is(err, retry.ErrNoRetryableServices):
		httpserver.RespondError(w, http.StatusBadRequest, "NO_RETRYABLE_SERVICES", "no eligible services to retry")
	case errors.Is(err, retry.ErrScanNotTerminal):
		httpserver.RespondError(w, http.StatusConflict, "SCAN_NOT_TERMINAL", "scan must reach a terminal state before retrying")
	case errors.Is(err, scan.ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "scan not found")
	case isInvalidTransition(err):
		// Lost the CAS race against a concurrent retry call (spec.md
		// Scenario 6): the other caller's retry already moved the scan
		// out of the terminal state this one observed. Report success
		// with no newly-dispatched services rather than an error.
		httpserver.Respond(w, http.StatusOK, RetryResponse{ScanID: scanID, RetriedServices: nil})
	default:
		h.logger.Error("retrying scan", "error", err, "scanId", scanID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to retry scan")
	}
}

func isInvalidTransition(err error) bool {
	var ite scan.ErrInvalidTransition
	return errors.As(err, &ite)
}

func requestedServices(raw []string) []planregistry.ServiceName {
	if len(raw) == 0 {
		return append([]planregistry.ServiceName(nil), planregistry.Catalogue...)
	}
	out := make([]planregistry.ServiceName, 0, len(raw))
	for _, s := range raw {
		out = append(out, planregistry.ServiceName(s))
	}
	return out
}

func serviceStrings(names []planregistry.ServiceName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

func catalogueStrings() []string {
	return serviceStrings(planregistry.Catalogue)
}

func planInfo(plan planregistry.Plan) PlanInfo {
	var allowed, restricted []string
	for _, name := range planregistry.Catalogue {
		if plan.Allows(name) {
			allowed = append(allowed, string(name))
		} else {
			restricted = append(restricted, string(name))
		}
	}
	return PlanInfo{Type: string(plan.Tier), AllowedServices: allowed, RestrictedServices: restricted}
}
