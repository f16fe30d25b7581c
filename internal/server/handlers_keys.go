package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/auth"
	"github.com/wastelane/paddock/internal/ctxutil"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/storage"
)

// HandleCreateKey mints a new API key for a principal. The raw key is
// returned exactly once; only its argon2 hash is stored.
// POST /v1/keys (admin)
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Principal == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "principal is required")
		return
	}
	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleAgent
	}
	if role != model.RoleAgent && role != model.RoleAdmin {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown role %q", role))
		return
	}

	created, err := mintKey(r.Context(), h.store, req.Principal, role, req.Label)
	if err != nil {
		h.logger.Error("create api key", "error", err, "principal", req.Principal)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	h.logger.Info("api key created",
		"key_id", created.ID,
		"principal", created.Principal,
		"role", created.Role,
		"created_by", principalFromRequest(r),
	)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListKeys lists keys, optionally filtered by principal.
// GET /v1/keys (admin)
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	keys, err := h.store.ListAPIKeys(r.Context(), principal)
	if err != nil {
		h.logger.Error("list api keys", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, model.APIKeyResponse{Keys: keys, Total: len(keys)})
}

// HandleRevokeKey revokes an API key by ID. Tokens already minted from the
// key stay valid until they expire.
// DELETE /v1/keys/{id} (admin)
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid key id")
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "key not found")
			return
		}
		h.logger.Error("revoke api key", "error", err, "key_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	h.logger.Info("api key revoked", "key_id", id, "revoked_by", principalFromRequest(r))
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "revoked"})
}

// SeedAdmin ensures a bootstrap admin key exists. Called at startup with the
// configured admin key so a fresh deployment can reach the key endpoints.
func SeedAdmin(ctx context.Context, store storage.Store, rawKey, principal string, logger *slog.Logger) error {
	if rawKey == "" {
		return nil
	}
	prefix, fullKey, err := model.ParseRawKey(rawKey)
	if err != nil {
		return fmt.Errorf("server: seed admin key: %w", err)
	}

	existing, err := store.GetActiveAPIKeysByPrefix(ctx, prefix)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("server: seed admin key: %w", err)
	}
	for _, key := range existing {
		if ok, _ := auth.VerifyAPIKey(fullKey, key.KeyHash); ok {
			return nil
		}
	}

	hash, err := auth.HashAPIKey(fullKey)
	if err != nil {
		return fmt.Errorf("server: seed admin key: %w", err)
	}
	key := model.APIKey{
		ID:        uuid.New(),
		Prefix:    prefix,
		KeyHash:   hash,
		Principal: principal,
		Role:      model.RoleAdmin,
		Label:     "bootstrap admin",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("server: seed admin key: %w", err)
	}
	logger.Info("bootstrap admin key seeded", "principal", principal, "key_id", key.ID)
	return nil
}

// mintKey generates, hashes and stores a new key, returning it with the raw
// secret attached.
func mintKey(ctx context.Context, store storage.Store, principal string, role model.KeyRole, label string) (model.APIKeyWithRawKey, error) {
	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		return model.APIKeyWithRawKey{}, err
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return model.APIKeyWithRawKey{}, err
	}
	key := model.APIKey{
		ID:        uuid.New(),
		Prefix:    prefix,
		KeyHash:   hash,
		Principal: principal,
		Role:      role,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return model.APIKeyWithRawKey{}, err
	}
	return model.APIKeyWithRawKey{APIKey: key, RawKey: rawKey}, nil
}

func principalFromRequest(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Principal
	}
	return ""
}
