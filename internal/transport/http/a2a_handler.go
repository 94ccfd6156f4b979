// Copyright 2026 The Aegis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aegisid/aegis/internal/a2a"
	"github.com/aegisid/aegis/internal/observability/logger"
	"github.com/aegisid/aegis/internal/registry"
)

// ServiceTokenRequest is an agent-to-agent token request.
type ServiceTokenRequest struct {
	SourceClientID  string   `json:"source_client_id"`
	APIKey          string   `json:"api_key"`
	TargetClientID  string   `json:"target_client_id"`
	Scopes          []string `json:"scopes"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
}

// IssueServiceToken authenticates a service by API key and issues a
// short-lived service token for the target application.
// @Summary Issue service token
// @Tags A2A
// @Accept json
// @Produce json
// @Success 200 {object} a2a.ServiceToken
// @Failure 401 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /api/v1/a2a/token [post]
func (h *Handler) IssueServiceToken(w http.ResponseWriter, r *http.Request) {
	var req ServiceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceClientID == "" || req.TargetClientID == "" || len(req.Scopes) == 0 {
		respondError(w, http.StatusBadRequest, "source_client_id, target_client_id, and scopes are required")
		return
	}

	st, err := h.a2aService.RequestServiceToken(r.Context(),
		req.SourceClientID, req.APIKey, req.TargetClientID, req.Scopes,
		time.Duration(req.DurationSeconds)*time.Second,
	)
	if err != nil {
		slog.WarnContext(r.Context(), "service token denied",
			logger.Error(err),
			logger.ClientID(req.SourceClientID),
			logger.TargetClientID(req.TargetClientID),
		)

		var noPerm *a2a.NoPermissionError
		var scopeDenied *a2a.ScopeDeniedError
		switch {
		case errors.Is(err, a2a.ErrInvalidAPIKey):
			respondError(w, http.StatusUnauthorized, "invalid api key")
		case errors.As(err, &noPerm), errors.As(err, &scopeDenied):
			respondError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, registry.ErrApplicationNotFound), errors.Is(err, registry.ErrApplicationInactive):
			respondError(w, http.StatusForbidden, "application not available")
		default:
			respondError(w, http.StatusInternalServerError, "failed to issue service token")
		}
		return
	}

	respondJSON(w, http.StatusOK, st)
}

// APIKeyRequest names a new API key. A positive expires_in_seconds gives the
// key a fixed lifetime; zero or absent means no expiry.
type APIKeyRequest struct {
	Name             string `json:"name"`
	ExpiresInSeconds int    `json:"expires_in_seconds,omitempty"`
}

// CreateAPIKey mints a new API key. The raw key appears in this response
// only.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req APIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpiresInSeconds < 0 {
		respondError(w, http.StatusBadRequest, "expires_in_seconds must not be negative")
		return
	}

	key, raw, err := h.a2aService.CreateAPIKey(r.Context(), chi.URLParam(r, "clientID"), req.Name,
		time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, registry.ErrApplicationNotFound) {
			respondError(w, http.StatusNotFound, "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"api_key":    raw,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}

// ListAPIKeys lists an application's API keys, without hashes
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.a2aService.ListAPIKeys(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"id":         k.ID,
			"name":       k.Name,
			"is_active":  k.IsActive,
			"last_used":  k.LastUsed,
			"created_at": k.CreatedAt,
			"expires_at": k.ExpiresAt,
			"revoked_at": k.RevokedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// RevokeAPIKey deactivates an API key
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.a2aService.RevokeAPIKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		if errors.Is(err, a2a.ErrAPIKeyNotFound) {
			respondError(w, http.StatusNotFound, "api key not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// A2APermissionRequest grants a directed service-to-service permission.
type A2APermissionRequest struct {
	TargetClientID     string   `json:"target_client_id"`
	AllowedScopes      []string `json:"allowed_scopes"`
	MaxDurationSeconds int      `json:"max_duration_seconds"`
}

// GrantA2APermission creates or replaces the permission from the routed
// application to a target
func (h *Handler) GrantA2APermission(w http.ResponseWriter, r *http.Request) {
	var req A2APermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetClientID == "" || len(req.AllowedScopes) == 0 {
		respondError(w, http.StatusBadRequest, "target_client_id and allowed_scopes are required")
		return
	}

	perm := &a2a.Permission{
		SourceClientID:   chi.URLParam(r, "clientID"),
		TargetClientID:   req.TargetClientID,
		AllowedScopes:    req.AllowedScopes,
		MaxTokenDuration: time.Duration(req.MaxDurationSeconds) * time.Second,
	}
	if err := h.a2aService.GrantPermission(r.Context(), perm); err != nil {
		if errors.Is(err, registry.ErrApplicationNotFound) {
			respondError(w, http.StatusNotFound, "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to grant permission")
		return
	}
	respondJSON(w, http.StatusCreated, perm)
}

// ListA2APermissions lists the permissions granted to the routed application
func (h *Handler) ListA2APermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.a2aService.ListPermissions(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list permissions")
		return
	}
	respondJSON(w, http.StatusOK, perms)
}

// RevokeA2APermission deletes the permission toward a target
func (h *Handler) RevokeA2APermission(w http.ResponseWriter, r *http.Request) {
	err := h.a2aService.RevokePermission(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "targetClientID"))
	if err != nil {
		if errors.Is(err, a2a.ErrPermissionNotFound) {
			respondError(w, http.StatusNotFound, "permission not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to revoke permission")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
