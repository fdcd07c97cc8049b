package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/lockin/internal/pipeline"
	"github.com/kalambet/lockin/internal/policy"
	"github.com/kalambet/lockin/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Service is the focus policy as seen by the transport layer. Implemented by
// *pipeline.Orchestrator.
type Service interface {
	HandleNavigation(ctx context.Context, nav pipeline.Navigation) (pipeline.NavigationResult, error)
	Classify(ctx context.Context, nav pipeline.Navigation) (pipeline.Decision, error)
	Strike(ctx context.Context, nav pipeline.Navigation) (pipeline.StrikeResult, error)
	GrantPermanent(ctx context.Context, rawURL string) error
	GrantTemporary(ctx context.Context, rawURL string, minutes int) (time.Time, error)
	RevokePermanent(ctx context.Context, rawURL string) (bool, error)
	AllowLists(ctx context.Context) (pipeline.AllowLists, error)
	AddBlacklist(ctx context.Context, domain string) (bool, error)
	RemoveBlacklist(ctx context.Context, domain string) (bool, error)
	Blacklist(ctx context.Context) ([]string, error)
	Strikes(ctx context.Context) (map[string]int, error)
	Patterns(ctx context.Context) ([]policy.StrikePattern, error)
	Monitoring(ctx context.Context) (bool, error)
	SetMonitoring(ctx context.Context, enabled bool) error
}

// DecisionHistory reads and clears the decision log. Implemented by *storage.Store.
type DecisionHistory interface {
	ListDecisions(ctx context.Context, limit, offset int) ([]storage.DecisionRecord, error)
	GetDecision(ctx context.Context, id string) (storage.DecisionRecord, error)
	PurgeDecisions(ctx context.Context) (int64, error)
}

type Deps struct {
	Service Service
	History DecisionHistory
	Token   string
}

// AllowRequest is the body of the allow endpoints. Minutes only applies to
// temporary grants; when absent the configured default is used.
type AllowRequest struct {
	URL     string `json:"url"`
	Minutes *int   `json:"minutes,omitempty"`
}

type BlacklistRequest struct {
	Domain string `json:"domain"`
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/navigate", handleNavigate(deps))
		r.Post("/classify", handleClassify(deps))
		r.Post("/strike", handleStrike(deps))
		r.Get("/allow", handleListAllow(deps))
		r.Post("/allow/permanent", handleAllowPermanent(deps))
		r.Delete("/allow/permanent", handleRevokePermanent(deps))
		r.Post("/allow/temporary", handleAllowTemporary(deps))
		r.Get("/blacklist", handleListBlacklist(deps))
		r.Post("/blacklist", handleAddBlacklist(deps))
		r.Delete("/blacklist/*", handleRemoveBlacklist(deps))
		r.Get("/strikes", handleListStrikes(deps))
		r.Get("/patterns", handleListPatterns(deps))
		r.Get("/monitoring", handleGetMonitoring(deps))
		r.Post("/monitoring/start", handleSetMonitoring(deps, true))
		r.Post("/monitoring/stop", handleSetMonitoring(deps, false))
		r.Get("/decisions", handleListDecisions(deps))
		r.Get("/decisions/{id}", handleGetDecision(deps))
		r.Delete("/decisions", handlePurgeDecisions(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeBody reads a JSON request body into dst, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleNavigate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var nav pipeline.Navigation
		if !decodeBody(w, r, &nav) {
			return
		}
		res, err := deps.Service.HandleNavigation(r.Context(), nav)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleClassify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var nav pipeline.Navigation
		if !decodeBody(w, r, &nav) {
			return
		}
		d, err := deps.Service.Classify(r.Context(), nav)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decision": d, "action": d.Action()})
	}
}

func handleStrike(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var nav pipeline.Navigation
		if !decodeBody(w, r, &nav) {
			return
		}
		res, err := deps.Service.Strike(r.Context(), nav)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleAllowPermanent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AllowRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		if err := deps.Service.GrantPermanent(r.Context(), req.URL); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleRevokePermanent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AllowRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		removed, err := deps.Service.RevokePermanent(r.Context(), req.URL)
		if err != nil {
			serviceError(w, err)
			return
		}
		if !removed {
			httpError(w, http.StatusNotFound, "not_found_error", "%s is not permanently allowed", req.URL)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleListAllow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lists, err := deps.Service.AllowLists(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lists)
	}
}

func handleAllowTemporary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AllowRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		minutes := 0
		if req.Minutes != nil {
			if *req.Minutes <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "minutes must be positive")
				return
			}
			minutes = *req.Minutes
		}
		expiresAt, err := deps.Service.GrantTemporary(r.Context(), req.URL, minutes)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "expiresAt": expiresAt})
	}
}

func handleListBlacklist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domains, err := deps.Service.Blacklist(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"blacklist": domains})
	}
}

func handleAddBlacklist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BlacklistRequest
		if !decodeBody(w, r, &req) {
			return
		}
		domain := strings.TrimSpace(req.Domain)
		if domain == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "domain is required")
			return
		}
		added, err := deps.Service.AddBlacklist(r.Context(), domain)
		if err != nil {
			serviceError(w, err)
			return
		}
		if !added {
			httpError(w, http.StatusConflict, "conflict_error", "%s is already blacklisted", domain)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"domain": domain, "added": true})
	}
}

func handleRemoveBlacklist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := chi.URLParam(r, "*")
		if domain == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "domain is required")
			return
		}
		removed, err := deps.Service.RemoveBlacklist(r.Context(), domain)
		if err != nil {
			serviceError(w, err)
			return
		}
		if !removed {
			httpError(w, http.StatusNotFound, "not_found_error", "%s is not blacklisted", domain)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "removed": true})
	}
}

func handleListStrikes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		strikes, err := deps.Service.Strikes(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"strikes": strikes})
	}
}

func handleListPatterns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patterns, err := deps.Service.Patterns(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
	}
}

func handleGetMonitoring(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		on, err := deps.Service.Monitoring(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"monitoring": on})
	}
}

func handleSetMonitoring(deps Deps, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.SetMonitoring(r.Context(), enabled); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"monitoring": enabled})
	}
}

func handleListDecisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		decisions, err := deps.History.ListDecisions(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list decisions: %v", err)
			return
		}
		if decisions == nil {
			decisions = []storage.DecisionRecord{}
		}
		writeJSON(w, http.StatusOK, decisions)
	}
}

func handleGetDecision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		d, err := deps.History.GetDecision(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "decision %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get decision: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handlePurgeDecisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.History.PurgeDecisions(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge decisions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
