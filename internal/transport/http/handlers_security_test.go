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
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/token"
)

// =============================================================================
// TRANSPORT SECURITY BOUNDARY TESTS
// Category: Token & Admin API - Authentication Boundaries
// Type: Unit Test (UT)
// =============================================================================

// TestPurpose: Validates that an unknown client or a wrong client secret is
// rejected with 401 and that neither case leaks which part was wrong.
// Scope: Unit Test
// Security: Client credential verification boundary
// Expected: Returns HTTP 401 Unauthorized with a uniform error message.
// Test Case ID: TOK-01
func TestToken_Issue_BadClientCredentials_ReturnsUnauthorized(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: "wrong-secret",
		Subject:      "user-7",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"TOK-01: wrong secret must be rejected")

	var body map[string]string
	decodeBody(t, rec, &body)
	wrongSecretMsg := body["error"]

	rec = f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     "no-such-app",
		ClientSecret: "anything",
		Subject:      "user-7",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"TOK-01: unknown client must be rejected")

	decodeBody(t, rec, &body)
	assert.Equal(t, wrongSecretMsg, body["error"],
		"TOK-01: error message must not reveal whether the client exists")
}

// TestPurpose: Validates that a deactivated application can no longer obtain
// tokens even with previously valid credentials.
// Scope: Unit Test
// Security: Deactivation cuts off issuance immediately
// Expected: Returns HTTP 401 Unauthorized after deactivation.
// Test Case ID: TOK-02
func TestToken_Issue_DeactivatedApplication_ReturnsUnauthorized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registrySvc.Deactivate(context.Background(), f.clientID))

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
		Subject:      "user-7",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"TOK-02: deactivated application must not receive tokens")
}

// TestPurpose: Validates that the admin surface rejects requests without a
// bearer token, with a garbage token, and with a genuine user token whose
// audience is an application rather than the internal one.
// Scope: Unit Test
// Security: Admin plane requires the internal audience; user tokens must not
// cross over.
// Expected: 401 for all three; the internal-audience token passes.
// Test Case ID: ADM-01
func TestAdmin_RequiresInternalAudience(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"ADM-01: missing bearer token must be rejected")

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil,
		map[string]string{"Authorization": "Bearer not.a.jwt"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"ADM-01: garbage token must be rejected")

	// A perfectly valid user token issued for an application.
	pair, err := f.issuer.IssueUserToken(context.Background(),
		token.Principal{Subject: "user-7"}, f.clientID, token.RequestContext{})
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil,
		map[string]string{"Authorization": "Bearer " + pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"ADM-01: application-audience token must not reach the admin plane")

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Contains(t, body["error"], token.ReasonWrongAudience)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil,
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	assert.Equal(t, http.StatusOK, rec.Code,
		"ADM-01: internal-audience token must pass")
}

// TestPurpose: Validates that a revoked admin token stops working on the
// admin surface within the same process.
// Scope: Unit Test
// Security: Revocation is effective before token expiry
// Expected: 200 before revocation, 401 with REVOKED after.
// Test Case ID: ADM-02
func TestAdmin_RevokedTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	admin := f.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + admin}

	rec := f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/token/revoke", RevokeTokenRequest{Token: admin}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, auth)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"ADM-02: revoked token must be rejected")

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Contains(t, body["error"], token.ReasonRevoked)
}

// TestPurpose: Validates IP binding end to end: a token issued from one
// address fails on the admin plane from another address with 403, because
// the token itself is genuine.
// Scope: Unit Test
// Security: Stolen bound tokens are unusable from other addresses
// Expected: 403 Forbidden from the wrong address, 200 from the bound one.
// Test Case ID: BND-01
func TestAdmin_IPBoundToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.GetByClientID(ctx, f.adminClient)
	require.NoError(t, err)
	app.BindIP = true

	pair, err := f.issuer.IssueUserToken(ctx,
		token.Principal{Subject: "admin-1"}, f.adminClient,
		token.RequestContext{IP: "203.0.113.7"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, map[string]string{
		"Authorization":   "Bearer " + pair.AccessToken,
		"X-Forwarded-For": "198.51.100.9",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"BND-01: bound token from another address must yield 403")

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, map[string]string{
		"Authorization":   "Bearer " + pair.AccessToken,
		"X-Forwarded-For": "203.0.113.7",
	})
	assert.Equal(t, http.StatusOK, rec.Code,
		"BND-01: bound token from the bound address must pass")
}

// TestPurpose: Validates that the validate endpoint reports IP_MISMATCH for a
// bound token presented from a different address, over the full HTTP path.
// Scope: Unit Test
// Security: Resource servers relying on central validation see binding
// violations.
// Expected: HTTP 200 with valid=false and reason IP_MISMATCH.
// Test Case ID: BND-02
func TestToken_Validate_ReportsIPMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.GetByClientID(ctx, f.clientID)
	require.NoError(t, err)
	app.BindIP = true

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
		Subject:      "user-7",
	}, map[string]string{"X-Forwarded-For": "203.0.113.7"})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair token.TokenPair
	decodeBody(t, rec, &pair)

	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: f.clientID,
	}, map[string]string{"X-Forwarded-For": "198.51.100.9"})
	require.Equal(t, http.StatusOK, rec.Code)

	var v token.Validation
	decodeBody(t, rec, &v)
	assert.False(t, v.Valid, "BND-02: bound token from another address must fail validation")
	assert.Equal(t, token.ReasonIPMismatch, v.Reason)
}

// TestPurpose: Validates device binding end to end: a token bound to a
// fingerprint fails validation when presented with the wrong fingerprint or
// none at all, and the admin plane maps the mismatch to 403.
// Scope: Unit Test
// Security: Stolen bound tokens are unusable from other devices; absence of a
// fingerprint must not bypass the binding.
// Expected: valid=false with DEVICE_MISMATCH over the validate endpoint;
// 403 on the admin plane without the bound fingerprint, 200 with it.
// Test Case ID: BND-03
func TestToken_Validate_ReportsDeviceMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.GetByClientID(ctx, f.clientID)
	require.NoError(t, err)
	app.BindDevice = true

	rec := f.do(t, http.MethodPost, "/api/v1/token", IssueTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.appSecret,
		Subject:      "user-7",
		Device:       "device-fingerprint-a",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pair token.TokenPair
	decodeBody(t, rec, &pair)

	// Correct audience and IP but no fingerprint at all: must fail closed.
	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: f.clientID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v token.Validation
	decodeBody(t, rec, &v)
	assert.False(t, v.Valid, "BND-03: bound token without a fingerprint must fail validation")
	assert.Equal(t, token.ReasonDeviceMismatch, v.Reason)

	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: f.clientID,
		Device:   "device-fingerprint-b",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &v)
	assert.False(t, v.Valid, "BND-03: wrong fingerprint must fail validation")
	assert.Equal(t, token.ReasonDeviceMismatch, v.Reason)

	rec = f.do(t, http.MethodPost, "/api/v1/token/validate", ValidateTokenRequest{
		Token:    pair.AccessToken,
		Audience: f.clientID,
		Device:   "device-fingerprint-a",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &v)
	assert.True(t, v.Valid, "BND-03: bound fingerprint must validate")
}

// TestPurpose: Validates that the admin plane enforces device binding via the
// X-Device-Fingerprint header.
// Scope: Unit Test
// Security: Device-bound admin tokens are pinned to one device
// Expected: 403 without or with the wrong fingerprint, 200 with the bound one.
// Test Case ID: BND-04
func TestAdmin_DeviceBoundToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.apps.GetByClientID(ctx, f.adminClient)
	require.NoError(t, err)
	app.BindDevice = true

	pair, err := f.issuer.IssueUserToken(ctx,
		token.Principal{Subject: "admin-1"}, f.adminClient,
		token.RequestContext{Device: "device-fingerprint-a"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, map[string]string{
		"Authorization": "Bearer " + pair.AccessToken,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"BND-04: bound token without a fingerprint must yield 403")

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, map[string]string{
		"Authorization":        "Bearer " + pair.AccessToken,
		"X-Device-Fingerprint": "device-fingerprint-b",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"BND-04: bound token from another device must yield 403")

	rec = f.do(t, http.MethodGet, "/api/v1/admin/applications", nil, map[string]string{
		"Authorization":        "Bearer " + pair.AccessToken,
		"X-Device-Fingerprint": "device-fingerprint-a",
	})
	assert.Equal(t, http.StatusOK, rec.Code,
		"BND-04: bound token from the bound device must pass")
}
