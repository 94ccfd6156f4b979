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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aegisid/aegis/internal/discovery"
)

// TriggerDiscovery runs a discovery pass for one application. `force=true`
// bypasses the cache window.
// @Summary Trigger discovery
// @Tags Discovery
// @Produce json
// @Success 200 {object} discovery.Result
// @Router /api/v1/admin/applications/{clientID}/discovery [post]
func (h *Handler) TriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	result := h.discoveryService.Discover(r.Context(), chi.URLParam(r, "clientID"), force)
	respondJSON(w, statusForDiscovery(result), result)
}

// BatchDiscoveryRequest lists the applications to rediscover.
type BatchDiscoveryRequest struct {
	ClientIDs []string `json:"client_ids"`
	Force     bool     `json:"force"`
}

// BatchDiscovery runs discovery for several applications concurrently.
// Failures are isolated per application; the batch always returns a result
// per requested client.
func (h *Handler) BatchDiscovery(w http.ResponseWriter, r *http.Request) {
	var req BatchDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ClientIDs) == 0 {
		respondError(w, http.StatusBadRequest, "client_ids is required")
		return
	}

	results := h.discoveryService.BatchDiscover(r.Context(), req.ClientIDs, req.Force)
	respondJSON(w, http.StatusOK, results)
}

// DiscoveryHistory retrieves the bounded attempt history of an application
func (h *Handler) DiscoveryHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := h.discoveryService.History(r.Context(), chi.URLParam(r, "clientID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load discovery history")
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

// DiscoveryStats retrieves rolling statistics over the attempt history
func (h *Handler) DiscoveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.discoveryService.Statistics(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute discovery stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func statusForDiscovery(result *discovery.Result) int {
	if result.Status == discovery.StatusError {
		// The result body carries diagnostics; a failed probe or fetch is
		// still a well-formed admin response.
		return http.StatusBadGateway
	}
	return http.StatusOK
}
