package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wastelane/paddock/internal/auth"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/storage"
)

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	store   storage.Store
	sched   *scheduler.Scheduler
	jwtMgr  *auth.JWTManager
	logger  *slog.Logger
	version string
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(store storage.Store, sched *scheduler.Scheduler, jwtMgr *auth.JWTManager, logger *slog.Logger, version string) *Handlers {
	return &Handlers{
		store:   store,
		sched:   sched,
		jwtMgr:  jwtMgr,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
}

// HandleAuthToken exchanges a valid API key for a short-lived JWT.
// POST /auth/token
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	prefix, fullKey, err := model.ParseRawKey(req.APIKey)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	keys, err := h.store.GetActiveAPIKeysByPrefix(r.Context(), prefix)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("lookup api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	var matched *model.APIKey
	for i := range keys {
		ok, verr := auth.VerifyAPIKey(fullKey, keys[i].KeyHash)
		if verr == nil && ok {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(*matched)
	if err != nil {
		h.logger.Error("issue token", "error", err, "principal", matched.Principal)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	if err := h.store.TouchAPIKeyLastUsed(r.Context(), matched.ID); err != nil {
		h.logger.Warn("touch api key last used", "error", err, "key_id", matched.ID)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth reports liveness plus the two readiness signals operators
// actually page on: store connectivity and the overdue timer backlog.
// GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.started).Seconds()),
	}

	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	} else {
		resp.Postgres = "ok"
	}

	if diag, err := h.sched.Diagnostics(r.Context()); err == nil {
		resp.OverdueTimers = diag.Overdue
	}

	writeJSON(w, r, status, resp)
}
