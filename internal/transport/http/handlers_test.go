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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/token"
)

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "aegis", body["service"])
}

func TestJWKSEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/jwks.json", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Keys, 1)
	assert.Equal(t, "RSA", body.Keys[0]["kty"])
	assert.Equal(t, "RS256", body.Keys[0]["alg"])
	assert.NotEmpty(t, body.Keys[0]["kid"])
}

func TestIssueAndValidateToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
		Subject:      "user-7",
		Groups:       []string{"HR Admins"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pair token.TokenPair
	decodeBody(t, rec, &pair)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 1800, pair.ExpiresIn)

	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: f.clientID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var v token.Validation
	decodeBody(t, rec, &v)
	assert.True(t, v.Valid)
	require.NotNil(t, v.Claims)
	assert.Equal(t, "user-7", v.Claims.Subject)

	// Validation for a different audience fails in the body, not the status.
	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: "some-other-app",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	decodeBody(t, rec, &v)
	assert.False(t, v.Valid)
	assert.Equal(t, token.ReasonWrongAudience, v.Reason)
}

func TestIssueTokenRequestValidation(t *testing.T) {
	f := newFixture(t)

	// Missing subject.
	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/token", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
		Subject:      "user-7",
		Groups:       []string{"HR Admins"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pair token.TokenPair
	decodeBody(t, rec, &pair)

	rec = f.do(t, http.MethodPost, "/api/v1/token/refresh", RefreshTokenRequest{
		RefreshToken: pair.RefreshToken,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next token.TokenPair
	decodeBody(t, rec, &next)
	assert.NotEmpty(t, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// Replaying the consumed refresh token is rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/token/refresh", RefreshTokenRequest{
		RefreshToken: pair.RefreshToken,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/token/refresh", RefreshTokenRequest{
		RefreshToken: "not-a-token",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
		Subject:      "user-7",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pair token.TokenPair
	decodeBody(t, rec, &pair)

	rec = f.do(t, http.MethodPost, "/api/v1/token/revoke", RevokeTokenRequest{Token: pair.AccessToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: f.clientID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v token.Validation
	decodeBody(t, rec, &v)
	assert.False(t, v.Valid)
	assert.Equal(t, token.ReasonRevoked, v.Reason)

	// Revoking again is a no-op, not an error.
	rec = f.do(t, http.MethodPost, "/api/v1/token/revoke", RevokeTokenRequest{Token: pair.AccessToken}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceTokenFlow(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": "Bearer " + f.adminToken(t)}

	rec := f.do(t, http.MethodPost, "/api/v1/admin/applications", RegisterApplicationRequest{
		ClientID: "reporting-svc",
		Name:     "Reporting Service",
	}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/applications/reporting-svc/a2a/keys",
		APIKeyRequest{Name: "nightly-etl"}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)
	var keyResp map[string]any
	decodeBody(t, rec, &keyResp)
	rawKey, _ := keyResp["api_key"].(string)
	require.True(t, strings.HasPrefix(rawKey, "ak_"))

	rec = f.do(t, http.MethodPost, "/api/v1/admin/applications/reporting-svc/a2a/permissions",
		A2APermissionRequest{
			TargetClientID:     f.clientID,
			AllowedScopes:      []string{"employees.read"},
			MaxDurationSeconds: 600,
		}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/a2a/token", ServiceTokenRequest{
		SourceClientID: "reporting-svc",
		APIKey:         rawKey,
		TargetClientID: f.clientID,
		Scopes:         []string{"employees.read"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]any
	decodeBody(t, rec, &st)
	assert.NotEmpty(t, st["access_token"])
	assert.NotEmpty(t, st["a2a_id"])
	// The advertised lifetime is the permission ceiling the token was
	// actually signed for.
	assert.Equal(t, float64(600), st["expires_in"])

	// A scope outside the grant is refused wholesale.
	rec = f.do(t, http.MethodPost, "/api/v1/a2a/token", ServiceTokenRequest{
		SourceClientID: "reporting-svc",
		APIKey:         rawKey,
		TargetClientID: f.clientID,
		Scopes:         []string{"employees.read", "employees.read.ssn"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/a2a/token", ServiceTokenRequest{
		SourceClientID: "reporting-svc",
		APIKey:         "ak_forged",
		TargetClientID: f.clientID,
		Scopes:         []string{"employees.read"},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
