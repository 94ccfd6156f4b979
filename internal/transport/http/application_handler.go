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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aegisid/aegis/internal/observability/logger"
	"github.com/aegisid/aegis/internal/registry"
)

// RegisterApplicationRequest represents an application registration
type RegisterApplicationRequest struct {
	ClientID       string   `json:"client_id"`
	Name           string   `json:"name"`
	OwnerEmail     string   `json:"owner_email"`
	RedirectURIs   []string `json:"redirect_uris"`
	DiscoveryURL   string   `json:"discovery_url"`
	AllowDiscovery bool     `json:"allow_discovery"`
	CompactClaims  bool     `json:"compact_claims"`
	BindIP         bool     `json:"bind_ip"`
	BindDevice     bool     `json:"bind_device"`
}

// RegisterApplication registers a new application. The client secret is
// returned exactly once.
// @Summary Register application
// @Tags Applications
// @Accept json
// @Produce json
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/admin/applications [post]
func (h *Handler) RegisterApplication(w http.ResponseWriter, r *http.Request) {
	var req RegisterApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	app := &registry.Application{
		ClientID:       req.ClientID,
		Name:           req.Name,
		OwnerEmail:     req.OwnerEmail,
		RedirectURIs:   req.RedirectURIs,
		DiscoveryURL:   req.DiscoveryURL,
		AllowDiscovery: req.AllowDiscovery,
		CompactClaims:  req.CompactClaims,
		BindIP:         req.BindIP,
		BindDevice:     req.BindDevice,
	}

	secret, err := h.registryService.Register(r.Context(), app)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to register application",
			logger.Error(err),
			logger.ClientID(req.ClientID),
		)
		if errors.Is(err, registry.ErrApplicationAlreadyExists) {
			respondError(w, http.StatusConflict, "application already exists")
		} else {
			respondError(w, http.StatusInternalServerError, "failed to register application")
		}
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"application":   app,
		"client_secret": secret,
	})
}

// ListApplications lists registered applications
// @Summary List applications
// @Tags Applications
// @Produce json
// @Success 200 {array} registry.Application
// @Router /api/v1/admin/applications [get]
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.registryService.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list applications")
		return
	}
	respondJSON(w, http.StatusOK, apps)
}

// GetApplication retrieves one application
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := h.registryService.Get(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "application not found")
		return
	}
	respondJSON(w, http.StatusOK, app)
}

// DeactivateApplication soft-deactivates an application. Tokens already
// issued remain valid until expiry; no new tokens are issued.
func (h *Handler) DeactivateApplication(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := h.registryService.Deactivate(r.Context(), clientID); err != nil {
		if errors.Is(err, registry.ErrApplicationNotFound) {
			respondError(w, http.StatusNotFound, "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to deactivate application")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// RotateSecret issues a fresh client secret, invalidating the old one. The
// new secret is returned exactly once.
func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	secret, err := h.registryService.RotateSecret(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, registry.ErrApplicationNotFound) {
			respondError(w, http.StatusNotFound, "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

// GetGraph retrieves the current capability graph snapshot
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.registryService.Graph(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, registry.ErrGraphNotFound) {
			respondError(w, http.StatusNotFound, "no capability graph discovered yet")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load capability graph")
		return
	}
	respondJSON(w, http.StatusOK, graph)
}

// ListActivity retrieves the recent token activity trail of an application
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.activityRepo.ListByClient(r.Context(), chi.URLParam(r, "clientID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	respondJSON(w, http.StatusOK, records)
}
