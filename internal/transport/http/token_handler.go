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

	"github.com/aegisid/aegis/internal/observability/logger"
	"github.com/aegisid/aegis/internal/registry"
	"github.com/aegisid/aegis/internal/token"
)

// IssueTokenRequest carries application credentials plus the principal the
// token is issued for. The principal was authenticated upstream; this
// endpoint trusts the application, not the user.
type IssueTokenRequest struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Subject      string   `json:"subject"`
	Email        string   `json:"email,omitempty"`
	Groups       []string `json:"groups"`
	Device       string   `json:"device,omitempty"`
}

// IssueToken issues an access/refresh token pair for a principal
// @Summary Issue tokens
// @Tags Token
// @Accept json
// @Produce json
// @Success 200 {object} token.TokenPair
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /api/v1/token [post]
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Subject == "" {
		respondError(w, http.StatusBadRequest, "client_id and subject are required")
		return
	}

	if _, err := h.registryService.VerifySecret(r.Context(), req.ClientID, req.ClientSecret); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	pair, err := h.issuer.IssueUserToken(r.Context(),
		token.Principal{Subject: req.Subject, Email: req.Email, Groups: req.Groups},
		req.ClientID,
		token.RequestContext{IP: getIPAddress(r), Device: req.Device},
	)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to issue token",
			logger.Error(err),
			logger.ClientID(req.ClientID),
			logger.Subject(req.Subject),
		)
		if errors.Is(err, registry.ErrApplicationNotFound) || errors.Is(err, registry.ErrApplicationInactive) {
			respondError(w, http.StatusUnauthorized, "application not available")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

// RefreshTokenRequest carries the refresh token to rotate.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
	Device       string `json:"device,omitempty"`
}

// RefreshToken rotates a refresh token
// @Summary Refresh tokens
// @Tags Token
// @Accept json
// @Produce json
// @Success 200 {object} token.TokenPair
// @Failure 401 {object} map[string]string
// @Router /api/v1/token/refresh [post]
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.issuer.Refresh(r.Context(), h.validator, req.RefreshToken,
		token.RequestContext{IP: getIPAddress(r), Device: req.Device})
	if err != nil {
		slog.WarnContext(r.Context(), "refresh rejected", logger.Error(err))
		switch {
		case errors.Is(err, token.ErrRefreshSuperseded), errors.Is(err, token.ErrRefreshRevoked):
			respondError(w, http.StatusUnauthorized, "refresh token no longer valid")
		case errors.Is(err, token.ErrRefreshNotFound):
			respondError(w, http.StatusUnauthorized, "unknown refresh token")
		default:
			respondError(w, http.StatusUnauthorized, "invalid refresh token")
		}
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

// ValidateTokenRequest carries the token to validate, the audience the
// caller expects it to be issued for, and the presenting device fingerprint
// for device-bound tokens.
type ValidateTokenRequest struct {
	Token    string `json:"token"`
	Audience string `json:"audience"`
	Device   string `json:"device,omitempty"`
}

// ValidateToken validates a token and returns the outcome. The HTTP status
// is 200 for both verdicts; validity is in the body.
// @Summary Validate a token
// @Tags Token
// @Accept json
// @Produce json
// @Success 200 {object} token.Validation
// @Router /api/v1/token/validate [post]
func (h *Handler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var req ValidateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	v := h.validator.Validate(r.Context(), req.Token, token.Expectations{
		ExpectedAudience: req.Audience,
		IP:               getIPAddress(r),
		Device:           req.Device,
	})
	respondJSON(w, http.StatusOK, v)
}

// RevokeTokenRequest carries the token to revoke.
type RevokeTokenRequest struct {
	Token string `json:"token"`
}

// RevokeToken revokes a token by jti. Revoking an already-revoked token
// succeeds.
// @Summary Revoke a token
// @Tags Token
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/v1/token/revoke [post]
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.issuer.Revoke(r.Context(), h.validator, req.Token); err != nil {
		respondError(w, http.StatusBadRequest, "token could not be revoked")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
