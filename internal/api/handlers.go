// Package api serves the proxy over HTTP. Every route except /health,
// /metrics and the informational endpoints takes the caller's API key as a
// bearer token.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	modelproxy "github.com/ferro-labs/model-proxy"
	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/ratelimit"
	"github.com/ferro-labs/model-proxy/internal/scoring"
	"github.com/ferro-labs/model-proxy/internal/tokenizers"
	"github.com/ferro-labs/model-proxy/internal/usagelog"
	"github.com/ferro-labs/model-proxy/providers"
)

const maxUsagePageSize = 500

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	Service     *modelproxy.Service
	CORSOrigins []string
	// RateLimit, if set, throttles /api calls per account or client host.
	RateLimit *ratelimit.Store
}

// Router returns the full HTTP handler.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(CORS(h.CORSOrigins...))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api", h.Routes())
	return r
}

// Routes returns a chi.Router with all /api endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(CredentialsMiddleware)
	if h.RateLimit != nil {
		r.Use(RateLimit(h.RateLimit, h.resolveAccount))
	}

	r.Get("/general_info", h.generalInfo)
	r.Get("/deployments", h.deployments)

	r.Group(func(r chi.Router) {
		r.Use(Draining(h.Service.Lifecycle()))
		r.Post("/request", h.makeRequest)
		r.Post("/toxicity", h.toxicity)
		r.Post("/moderation", h.moderation)
	})
	r.Post("/tokenize", h.tokenize)
	r.Post("/decode", h.decode)

	r.Get("/account", h.getAccount)
	r.Post("/account", h.createAccount)
	r.Put("/account", h.updateAccount)
	r.Get("/accounts", h.listAccounts)
	r.Delete("/accounts/{api_key}", h.deleteAccount)
	r.Post("/accounts/{api_key}/rotate", h.rotateAccount)

	r.Get("/usage", h.listUsage)
	r.Post("/shutdown", h.shutdown)
	return r
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  h.Service.Lifecycle().State().String(),
	})
}

func (h *Handlers) generalInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.GetGeneralInfo())
}

func (h *Handlers) deployments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Deployments())
}

// readJSON reads a JSON body into v, writing a 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_request")
		return false
	}
	return true
}

func (h *Handlers) makeRequest(w http.ResponseWriter, r *http.Request) {
	var req providers.Request
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.Service.MakeRequest(r.Context(), CredentialsFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) tokenize(w http.ResponseWriter, r *http.Request) {
	var req tokenizers.TokenizationRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.Service.Tokenize(r.Context(), CredentialsFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request) {
	var req tokenizers.DecodeRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.Service.Decode(r.Context(), CredentialsFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) toxicity(w http.ResponseWriter, r *http.Request) {
	var req scoring.ToxicityRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.Service.GetToxicityScores(r.Context(), CredentialsFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) moderation(w http.ResponseWriter, r *http.Request) {
	var req scoring.ModerationRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.Service.GetModerationScores(r.Context(), CredentialsFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Service.GetAccount(CredentialsFromContext(r.Context()), r.URL.Query().Get("api_key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var in accounts.NewAccount
	if !readJSON(w, r, &in) {
		return
	}
	acct, err := h.Service.CreateAccount(CredentialsFromContext(r.Context()), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handlers) updateAccount(w http.ResponseWriter, r *http.Request) {
	var upd accounts.AccountUpdate
	if !readJSON(w, r, &upd) {
		return
	}
	acct, err := h.Service.UpdateAccount(CredentialsFromContext(r.Context()), upd)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListAccounts(CredentialsFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": len(list)})
}

func (h *Handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "api_key")
	if err := h.Service.DeleteAccount(CredentialsFromContext(r.Context()), apiKey); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) rotateAccount(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "api_key")
	acct, err := h.Service.RotateAPIKey(CredentialsFromContext(r.Context()), apiKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// resolveAccount identifies stored accounts only. In root mode every key
// authenticates as the synthetic root, so callers are told apart by host.
func (h *Handlers) resolveAccount(apiKey string) (string, bool) {
	acct, err := h.Service.Authenticate(accounts.Credentials{APIKey: apiKey})
	if err != nil || acct.ID == accounts.RootAccountID {
		return "", false
	}
	return acct.ID, true
}

func (h *Handlers) listUsage(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := usagelog.Query{
		AccountID:  params.Get("account_id"),
		ModelGroup: params.Get("model_group"),
		Limit:      50,
	}
	if raw := params.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		q.Limit = min(parsed, maxUsagePageSize)
	}
	if raw := params.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		q.Offset = parsed
	}
	if raw := params.Get("unbilled"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unbilled: must be true or false", "invalid_request_error", "invalid_request")
			return
		}
		q.Unbilled = parsed
	}
	if raw := params.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		q.Since = &parsed
	}

	res, err := h.Service.ListUsage(r.Context(), CredentialsFromContext(r.Context()), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": res.Data,
		"summary": map[string]any{
			"total":  res.Total,
			"limit":  q.Limit,
			"offset": q.Offset,
		},
	})
}

func (h *Handlers) shutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Shutdown(r.Context(), CredentialsFromContext(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"state": h.Service.Lifecycle().State().String(),
	})
}
