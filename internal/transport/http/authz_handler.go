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

	"github.com/go-chi/chi/v5"

	"github.com/aegisid/aegis/internal/authz"
	"github.com/aegisid/aegis/internal/observability/logger"
)

// RoleRequest represents a role definition with grants and filters
type RoleRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	A2AOnly     bool              `json:"a2a_only"`
	IsDefault   bool              `json:"is_default"`
	Priority    int               `json:"priority"`
	Grants      []authz.Grant     `json:"grants"`
	Filters     []authz.RlsFilter `json:"rls_filters"`
}

func (req *RoleRequest) toRole(clientID string) *authz.Role {
	return &authz.Role{
		ClientID:    clientID,
		Name:        req.Name,
		Description: req.Description,
		A2AOnly:     req.A2AOnly,
		IsDefault:   req.IsDefault,
		Priority:    req.Priority,
		IsActive:    true,
		Grants:      req.Grants,
		Filters:     req.Filters,
	}
}

// CreateRole creates a role with its grants and RLS filters
// @Summary Create role
// @Tags Roles
// @Accept json
// @Produce json
// @Success 201 {object} authz.Role
// @Failure 400 {object} map[string]string
// @Router /api/v1/admin/applications/{clientID}/roles [post]
func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	h.saveRole(w, r, chi.URLParam(r, "clientID"), "", true)
}

// UpdateRole replaces a role's attributes, grants, and filters
func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	h.saveRole(w, r, chi.URLParam(r, "clientID"), chi.URLParam(r, "roleName"), false)
}

func (h *Handler) saveRole(w http.ResponseWriter, r *http.Request, clientID, roleName string, isNew bool) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if roleName != "" && req.Name != "" && req.Name != roleName {
		respondError(w, http.StatusBadRequest, "role name cannot be changed")
		return
	}
	if req.Name == "" {
		req.Name = roleName
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "role name is required")
		return
	}

	role := req.toRole(clientID)
	if err := h.authzService.SaveRole(r.Context(), role, isNew); err != nil {
		slog.ErrorContext(r.Context(), "failed to save role",
			logger.Error(err),
			logger.ClientID(clientID),
		)
		switch {
		case errors.Is(err, authz.ErrRoleAlreadyExists):
			respondError(w, http.StatusConflict, "role already exists")
		case errors.Is(err, authz.ErrRoleNotFound):
			respondError(w, http.StatusNotFound, "role not found")
		case errors.Is(err, authz.ErrInvalidGrant), errors.Is(err, authz.ErrInvalidFilter):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to save role")
		}
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	respondJSON(w, status, role)
}

// GetRole retrieves a role with grants and filters
func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.authzService.GetRole(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "roleName"))
	if err != nil {
		respondError(w, http.StatusNotFound, "role not found")
		return
	}
	respondJSON(w, http.StatusOK, role)
}

// ListRoles lists all roles of an application
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.authzService.ListRoles(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	respondJSON(w, http.StatusOK, roles)
}

// DeleteRole removes a role; its grants and filters go with it
func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	err := h.authzService.DeleteRole(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "roleName"))
	if err != nil {
		if errors.Is(err, authz.ErrRoleNotFound) {
			respondError(w, http.StatusNotFound, "role not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete role")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// MappingRequest represents a group-to-role mapping
type MappingRequest struct {
	GroupName string `json:"group_name"`
	RoleName  string `json:"role_name"`
}

// AddMapping maps an identity-provider group to a role
func (h *Handler) AddMapping(w http.ResponseWriter, r *http.Request) {
	var req MappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GroupName == "" || req.RoleName == "" {
		respondError(w, http.StatusBadRequest, "group_name and role_name are required")
		return
	}

	m := &authz.GroupRoleMapping{
		ClientID:  chi.URLParam(r, "clientID"),
		GroupName: req.GroupName,
		RoleName:  req.RoleName,
	}
	if err := h.authzService.AddMapping(r.Context(), m); err != nil {
		if errors.Is(err, authz.ErrRoleNotFound) {
			respondError(w, http.StatusNotFound, "role not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to add mapping")
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// RemoveMapping removes a group-to-role mapping
func (h *Handler) RemoveMapping(w http.ResponseWriter, r *http.Request) {
	var req MappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.authzService.RemoveMapping(r.Context(), chi.URLParam(r, "clientID"), req.GroupName, req.RoleName)
	if err != nil {
		if errors.Is(err, authz.ErrMappingNotFound) {
			respondError(w, http.StatusNotFound, "mapping not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to remove mapping")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// ListMappings lists the group-to-role mappings of an application
func (h *Handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.authzService.ListMappings(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list mappings")
		return
	}
	respondJSON(w, http.StatusOK, mappings)
}
