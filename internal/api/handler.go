// internal/api/handler.go
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kova-sync/internal/config"
	"kova-sync/internal/discovery"
	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/metrics"
	"kova-sync/internal/model"
	"kova-sync/internal/registry"
	"kova-sync/internal/store"
	"kova-sync/internal/syncer"
	"kova-sync/internal/webhook"
)

// maxWebhookBody bounds inbound webhook payloads (GitHub caps at 25MB).
const maxWebhookBody = 25 << 20

// Deps collects everything the API serves from.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Syncer    *syncer.Syncer
	Discovery *discovery.Service
	Store     store.Store
	Receiver  *webhook.Receiver
	Fetcher   syncer.StateFetcher
	// Persistent is true when the store is database-backed; false means
	// the degraded in-memory mode.
	Persistent bool
	Logger     *slog.Logger
}

// Handler is the container for API dependencies.
type Handler struct {
	deps Deps
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{deps: deps}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/webhooks/inbound", h.receiveWebhook)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Post("/sync", h.postSync)
		r.Get("/discover", h.getDiscover)
		r.Post("/add", h.postAdd)
		r.Get("/list", h.getList)
		r.Post("/reload", h.postReload)
		r.Get("/runs", h.getRuns)
		r.Get("/events", h.getEvents)
		r.Get("/webhooks/status", h.getWebhookStatus)
	})

	return r
}

// featureState distinguishes "unconfigured" from "configured": callers
// need to tell a missing API key apart from a live outage.
type featureState struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// healthCheck reports service health and per-feature availability.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	persistence := featureState{Available: true}
	if !h.deps.Persistent {
		persistence.Reason = "DB_URL not set; using in-memory store"
	}
	resp := map[string]any{
		"status": "ok",
		"features": map[string]featureState{
			"persistence": persistence,
			"sync":        availability(cfg.SyncAvailable(), "GITHUB_TOKEN not configured"),
			"analysis":    availability(cfg.AnalysisAvailable(), "ANTHROPIC_API_KEY not configured"),
			"webhooks":    availability(cfg.WebhooksAvailable(), "GITHUB_WEBHOOK_SECRET not configured"),
		},
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func availability(ok bool, reason string) featureState {
	if ok {
		return featureState{Available: true}
	}
	return featureState{Available: false, Reason: reason}
}

// repoStatus is one row of the cross-repo status report.
type repoStatus struct {
	Exists        bool       `json:"exists"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	DefaultBranch string     `json:"default_branch,omitempty"`
	OpenIssues    int        `json:"open_issues"`
	Error         string     `json:"error,omitempty"`
}

// getStatus reports live status for every enabled repository.
// GET /v1/status
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Config.SyncAvailable() {
		respondWithError(w, http.StatusServiceUnavailable, "status unavailable: GITHUB_TOKEN not configured")
		return
	}

	snapshot := h.deps.Registry.Snapshot()
	repos := make(map[string]repoStatus)
	for _, rec := range snapshot.Repositories {
		if !rec.Enabled {
			continue
		}
		owner, name, ok := splitFullName(rec.FullName)
		if !ok {
			repos[rec.FullName] = repoStatus{Error: "invalid full name"}
			continue
		}
		state, _, err := h.deps.Fetcher.GetRepoState(r.Context(), owner, name)
		if err != nil {
			// A per-repo fetch failure is reported inline, not escalated.
			repos[rec.FullName] = repoStatus{LastSyncedAt: rec.LastSyncedAt, Error: err.Error()}
			continue
		}
		repos[rec.FullName] = repoStatus{
			Exists:        state.Exists,
			LastSyncedAt:  rec.LastSyncedAt,
			DefaultBranch: state.DefaultBranch,
			OpenIssues:    state.OpenIssues,
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"total_repos": len(repos),
		"repos":       repos,
		"timestamp":   time.Now().UTC(),
	})
}

type syncRequest struct {
	Repo            string `json:"repo"`
	IncludeAnalysis bool   `json:"includeAnalysis"`
}

// postSync runs a sync for one repository or the whole registry.
// POST /v1/sync
func (h *Handler) postSync(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Config.SyncAvailable() {
		respondWithError(w, http.StatusServiceUnavailable, "sync unavailable: GITHUB_TOKEN not configured")
		return
	}

	var req syncRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	opts := syncer.Options{IncludeAnalysis: req.IncludeAnalysis}

	if req.Repo != "" {
		run, err := h.deps.Syncer.SyncOne(r.Context(), req.Repo, opts)
		if err != nil {
			var notConfigured *apperrors.ErrRepoNotConfigured
			if errors.As(err, &notConfigured) {
				respondWithError(w, http.StatusNotFound, err.Error())
				return
			}
			var disabled *apperrors.ErrRepoDisabled
			if errors.As(err, &disabled) {
				respondWithError(w, http.StatusConflict, err.Error())
				return
			}
			h.deps.Logger.Error("Failed to sync repository", "repo", req.Repo, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]*model.SyncRun{req.Repo: run})
		return
	}

	respondWithJSON(w, http.StatusOK, h.deps.Syncer.SyncAll(r.Context(), opts))
}

// getDiscover lists repositories matching the discovery pattern that are
// not yet configured. Report-only: nothing is added here.
// GET /v1/discover
func (h *Handler) getDiscover(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Config.SyncAvailable() {
		respondWithError(w, http.StatusServiceUnavailable, "discovery unavailable: GITHUB_TOKEN not configured")
		return
	}

	candidates, err := h.deps.Discovery.Discover(r.Context(), h.deps.Registry.Snapshot())
	if err != nil {
		respondWithError(w, http.StatusBadGateway, "discovery failed: "+err.Error())
		return
	}
	if candidates == nil {
		candidates = []model.CandidateRepo{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

type addRequest struct {
	FullName    string `json:"fullName"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// postAdd registers a repository explicitly. When the hosting API is
// reachable its metadata seeds the record; a repository the API does not
// know yet is still added as a planned entry.
// POST /v1/add
func (h *Handler) postAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	owner, name, ok := splitFullName(req.FullName)
	if !ok {
		respondWithError(w, http.StatusBadRequest, (&apperrors.ErrInvalidRepoFormat{Repo: req.FullName}).Error())
		return
	}

	category := model.RepoCategory(req.Type)
	if req.Type == "" {
		category = model.CategoryService
	}
	if !model.ValidCategory(category) {
		respondWithError(w, http.StatusBadRequest, "unknown repository type: "+req.Type)
		return
	}

	rec := model.RepositoryRecord{
		Name:         name,
		FullName:     req.FullName,
		Type:         category,
		Description:  req.Description,
		Enabled:      true,
		SyncPriority: 3,
		Features:     []string{},
	}

	if h.deps.Config.SyncAvailable() {
		if state, _, err := h.deps.Fetcher.GetRepoState(r.Context(), owner, name); err != nil {
			h.deps.Logger.Warn("Could not fetch metadata for new repository", "repo", req.FullName, "error", err)
		} else if !state.Exists {
			if rec.Description == "" {
				rec.Description = "Planned repository"
			}
		} else if rec.Description == "" {
			rec.Description = state.Description
		}
	}

	created, err := h.deps.Registry.Upsert(rec)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

// postReload re-reads the registry document from disk, picking up edits
// made to the file outside this API.
// POST /v1/reload
func (h *Handler) postReload(w http.ResponseWriter, r *http.Request) {
	h.deps.Registry.Reload()
	snapshot := h.deps.Registry.Snapshot()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":       "reloaded",
		"repositories": len(snapshot.Repositories),
	})
}

// getList returns the full configured registry.
// GET /v1/list
func (h *Handler) getList(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.deps.Registry.Snapshot())
}

// getRuns returns recorded sync runs, optionally filtered by repo.
// GET /v1/runs?repo=owner/name
func (h *Handler) getRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.deps.Store.ListSyncRuns(r.Context(), r.URL.Query().Get("repo"), 50)
	if err != nil {
		h.deps.Logger.Error("Failed to list sync runs", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	respondWithJSON(w, http.StatusOK, runs)
}

// getEvents returns recently received webhook events.
// GET /v1/events
func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Store.ListWebhookEvents(r.Context(), 50)
	if err != nil {
		h.deps.Logger.Error("Failed to list webhook events", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if events == nil {
		events = []model.WebhookEvent{}
	}
	respondWithJSON(w, http.StatusOK, events)
}

// getWebhookStatus reports webhook configuration without leaking secrets.
// GET /v1/webhooks/status
func (h *Handler) getWebhookStatus(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	respondWithJSON(w, http.StatusOK, map[string]any{
		"webhook_secret_configured": cfg.WebhooksAvailable(),
		"analysis_api_configured":   cfg.AnalysisAvailable(),
		"github_token_configured":   cfg.SyncAvailable(),
		"endpoint":                  "/webhooks/inbound",
		"supported_events":          []string{"push", "pull_request", "issues", "issue_comment", "workflow_run"},
	})
}

// receiveWebhook is the inbound webhook endpoint. The raw body bytes are
// handed to the receiver untouched: verification over a re-serialized
// payload would reject valid deliveries.
// POST /webhooks/inbound
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result := h.deps.Receiver.Receive(
		r.Context(),
		body,
		r.Header.Get("X-Hub-Signature-256"),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-GitHub-Delivery"),
	)

	switch result.Outcome {
	case webhook.OutcomeAccepted:
		respondWithJSON(w, http.StatusAccepted, map[string]string{
			"status":      "accepted",
			"event":       result.Event.EventType,
			"delivery_id": result.Event.DeliveryID,
		})
	case webhook.OutcomeDuplicate:
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "ignored-duplicate"})
	case webhook.OutcomeRejected:
		respondWithError(w, http.StatusUnauthorized, result.Reason)
	default:
		respondWithError(w, http.StatusInternalServerError, result.Reason)
	}
}

func splitFullName(fullName string) (owner, name string, ok bool) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
