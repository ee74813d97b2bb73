package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/ashita-ai/torii/internal/auth"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/storage"
	"github.com/ashita-ai/torii/internal/topics"
)

// HandleAdminToken handles POST /admin/v1/token: exchanges the configured API
// key for a short-lived admin JWT.
func (h *Handlers) HandleAdminToken(w http.ResponseWriter, r *http.Request) {
	if h.adminAPIKey == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "admin API is not configured")
		return
	}

	var req model.TokenRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.adminAPIKey)) != 1 {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken("operator")
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: exp})
}

// HandleCreateIdentity handles POST /admin/v1/identities.
func (h *Handlers) HandleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req model.CreateIdentityRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if err := model.ValidateUsername(req.Username); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "password is required")
		return
	}
	if err := validatePatterns(req.PublishPatterns, req.SubscribePatterns); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.MaxConnections < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "max_connections must be non-negative")
		return
	}

	hash, err := auth.HashPassword(req.Password, h.bcryptCost)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash password", err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	id, err := h.store.CreateIdentity(r.Context(), model.Identity{
		Username:          req.Username,
		PasswordHash:      hash,
		AllowedClientID:   req.AllowedClientID,
		IsAdmin:           req.IsAdmin,
		IsActive:          active,
		PublishPatterns:   req.PublishPatterns,
		SubscribePatterns: req.SubscribePatterns,
		MaxConnections:    req.MaxConnections,
	})
	if err != nil {
		if storage.IsDuplicateKeyError(err) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "username already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create identity", err)
		return
	}

	// A stale cached deny for this username must not outlive the write.
	h.cache.InvalidateUser(id.Username)
	h.logger.Info("identity created", "username", id.Username, "operator", operatorName(r))
	writeJSON(w, r, http.StatusCreated, id)
}

// HandleGetIdentity handles GET /admin/v1/identities/{username}.
func (h *Handlers) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	id, err := h.store.GetIdentity(r.Context(), username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "identity not found")
			return
		}
		h.writeInternalError(w, r, "failed to load identity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, id)
}

// HandleListIdentities handles GET /admin/v1/identities.
func (h *Handlers) HandleListIdentities(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)
	offset := queryInt(r, "offset", 0)

	ids, err := h.store.ListIdentities(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list identities", err)
		return
	}
	total, err := h.store.CountIdentities(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count identities", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"identities": ids,
		"total":      total,
	})
}

// HandleUpdateIdentity handles PUT /admin/v1/identities/{username}.
// Absent fields are left unchanged.
func (h *Handlers) HandleUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	var req model.UpdateIdentityRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	id, err := h.store.GetIdentity(r.Context(), username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "identity not found")
			return
		}
		h.writeInternalError(w, r, "failed to load identity", err)
		return
	}

	if req.Password != nil {
		if *req.Password == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "password must not be empty")
			return
		}
		hash, err := auth.HashPassword(*req.Password, h.bcryptCost)
		if err != nil {
			h.writeInternalError(w, r, "failed to hash password", err)
			return
		}
		id.PasswordHash = hash
	}
	if req.ClearClientID {
		id.AllowedClientID = nil
	} else if req.AllowedClientID != nil {
		id.AllowedClientID = req.AllowedClientID
	}
	if req.IsAdmin != nil {
		id.IsAdmin = *req.IsAdmin
	}
	if req.IsActive != nil {
		id.IsActive = *req.IsActive
	}
	if req.PublishPatterns != nil {
		id.PublishPatterns = *req.PublishPatterns
	}
	if req.SubscribePatterns != nil {
		id.SubscribePatterns = *req.SubscribePatterns
	}
	if req.MaxConnections != nil {
		id.MaxConnections = *req.MaxConnections
	}

	if err := validatePatterns(id.PublishPatterns, id.SubscribePatterns); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateIdentity(id); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	updated, err := h.store.UpdateIdentity(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "identity not found")
			return
		}
		h.writeInternalError(w, r, "failed to update identity", err)
		return
	}

	h.cache.InvalidateUser(username)
	h.logger.Info("identity updated", "username", username, "operator", operatorName(r))
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteIdentity handles DELETE /admin/v1/identities/{username}.
func (h *Handlers) HandleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	if err := h.store.DeleteIdentity(r.Context(), username); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "identity not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete identity", err)
		return
	}

	h.cache.InvalidateUser(username)
	h.logger.Info("identity deleted", "username", username, "operator", operatorName(r))
	writeJSON(w, r, http.StatusOK, map[string]string{"username": username, "status": "deleted"})
}

// HandleActivity handles GET /admin/v1/activity: newest-first decision
// records, filterable by username, event type, and result.
func (h *Handlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	f := storage.ActivityFilter{
		Username:  r.URL.Query().Get("username"),
		EventType: r.URL.Query().Get("event_type"),
		Result:    r.URL.Query().Get("result"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	rows, err := h.store.ListActivity(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to query activity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"activity": rows})
}

// HandleStats handles GET /admin/v1/stats: a point-in-time snapshot of the
// decision pipeline's in-memory state.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.StatsResponse{
		LiveSessions:    h.tracker.Total(),
		CacheEntries:    h.cache.Len(),
		CacheHits:       h.cache.Hits(),
		CacheMisses:     h.cache.Misses(),
		ActivityQueued:  h.activity.Len(),
		ActivityDropped: h.activity.Dropped(),
	})
}

// writeInternalError logs the cause and answers with a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

// validatePatterns checks every ACL pattern in both lists at write time; the
// matcher assumes well-formed input.
func validatePatterns(publish, subscribe []string) error {
	for _, p := range publish {
		if err := topics.ValidatePattern(p); err != nil {
			return err
		}
	}
	for _, p := range subscribe {
		if err := topics.ValidatePattern(p); err != nil {
			return err
		}
	}
	return nil
}

func operatorName(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.Operator
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
