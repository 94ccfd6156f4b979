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

package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/authz"
	"github.com/aegisid/aegis/internal/observability/metrics"
	"github.com/aegisid/aegis/internal/registry"
)

// Principal is a verified identity handed over by the identity-provider
// collaborator: subject plus group memberships. How it was authenticated is
// outside this system.
type Principal struct {
	Subject string
	Email   string
	Groups  []string
}

// RequestContext carries the caller-side context snapshotted into binding
// claims.
type RequestContext struct {
	IP     string
	Device string
}

// TokenPair is the result of user token issuance.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// PermissionSource resolves permissions at issuance time. The authz resolver
// satisfies this.
type PermissionSource interface {
	Resolve(ctx context.Context, clientID string, groups []string) (*authz.Resolution, error)
}

// ApplicationSource yields application registrations.
type ApplicationSource interface {
	Get(ctx context.Context, clientID string) (*registry.Application, error)
}

// TTLConfig holds per-type token lifetimes.
type TTLConfig struct {
	Access  time.Duration
	Refresh time.Duration
	Service time.Duration
}

// DefaultTTLConfig returns the default token lifetimes.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Access:  30 * time.Minute,
		Refresh: 7 * 24 * time.Hour,
		Service: 5 * time.Minute,
	}
}

// Issuer builds, signs, and records tokens.
type Issuer struct {
	issuer      string
	keyring     *Keyring
	perms       PermissionSource
	apps        ApplicationSource
	refreshRepo RefreshRepository
	revocations RevocationIndex
	recorder    *audit.Recorder
	ttl         TTLConfig
}

// NewIssuer creates a new token issuer
func NewIssuer(
	issuerURL string,
	keyring *Keyring,
	perms PermissionSource,
	apps ApplicationSource,
	refreshRepo RefreshRepository,
	revocations RevocationIndex,
	recorder *audit.Recorder,
	ttl TTLConfig,
) *Issuer {
	if ttl.Access <= 0 {
		ttl = DefaultTTLConfig()
	}
	return &Issuer{
		issuer:      issuerURL,
		keyring:     keyring,
		perms:       perms,
		apps:        apps,
		refreshRepo: refreshRepo,
		revocations: revocations,
		recorder:    recorder,
		ttl:         ttl,
	}
}

// IssueUserToken resolves the principal's permissions for the target
// application and issues an access/refresh token pair. The claim set is a
// snapshot: role edits after issuance never change it.
func (s *Issuer) IssueUserToken(ctx context.Context, principal Principal, clientID string, reqCtx RequestContext) (*TokenPair, error) {
	app, err := s.apps.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, registry.ErrApplicationInactive
	}

	res, err := s.perms.Resolve(ctx, clientID, principal.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	now := time.Now()
	access := &Claims{
		RegisteredClaims: s.registered(principal.Subject, clientID, now, s.ttl.Access),
		TokenType:        TypeAccess,
		TokenVersion:     TokenVersion,
		Roles:            res.Roles,
		RlsFilters:       res.RlsFilters,
		RlsOperators:     res.RlsOperators,
	}
	if app.CompactClaims {
		access.GraphVersion = res.GraphVersion
	} else {
		access.Permissions = res.Permissions
	}
	if app.BindIP && reqCtx.IP != "" {
		access.BoundIP = reqCtx.IP
	}
	if app.BindDevice && reqCtx.Device != "" {
		access.BoundDevice = reqCtx.Device
	}

	accessToken, err := s.sign(access)
	if err != nil {
		return nil, err
	}

	refresh := &Claims{
		RegisteredClaims: s.registered(principal.Subject, clientID, now, s.ttl.Refresh),
		TokenType:        TypeRefresh,
		TokenVersion:     TokenVersion,
		Groups:           principal.Groups,
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return nil, err
	}

	if err := s.refreshRepo.Create(ctx, &RefreshRecord{
		TokenHash: HashToken(refreshToken),
		JTI:       refresh.ID,
		Subject:   principal.Subject,
		ClientID:  clientID,
		ExpiresAt: refresh.ExpiresAt.Time,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	s.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeTokenIssued,
		ClientID:  clientID,
		ActorID:   principal.Subject,
		Resource:  "token",
		IPAddress: reqCtx.IP,
		Metadata: map[string]any{
			"jti":         access.ID,
			"roles":       res.Roles,
			"permissions": len(res.Permissions),
		},
	}, audit.NewActivityRecord(audit.TypeTokenIssued, clientID, principal.Subject, TypeAccess, access.ID))
	metrics.RecordTokenIssued(ctx, TypeAccess)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.ttl.Access.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the old token is superseded and linked to
// its successor in one transaction. Presenting a superseded token is treated
// as replay and revokes the whole chain.
func (s *Issuer) Refresh(ctx context.Context, validator *Validator, rawRefresh string, reqCtx RequestContext) (*TokenPair, error) {
	v := validator.Validate(ctx, rawRefresh, Expectations{SkipAudienceCheck: true})
	if !v.Valid {
		return nil, fmt.Errorf("invalid refresh token: %s", v.Reason)
	}
	if v.Claims.TokenType != TypeRefresh {
		return nil, fmt.Errorf("invalid refresh token: not a refresh token")
	}

	hash := HashToken(rawRefresh)
	rec, err := s.refreshRepo.GetByTokenHash(ctx, hash)
	if err != nil {
		return nil, ErrRefreshNotFound
	}

	if rec.RevokedAt != nil {
		return nil, ErrRefreshRevoked
	}
	if rec.Superseded {
		// Replay of a rotated token: revoke every descendant so a stolen
		// chain dies with the reuse.
		n, rerr := s.refreshRepo.RevokeChain(ctx, hash)
		s.recorder.Record(ctx, audit.Event{
			Type:     audit.TypeTokenReuseDetected,
			ClientID: rec.ClientID,
			ActorID:  rec.Subject,
			Resource: "token",
			Metadata: map[string]any{"revoked_chain": n, "error": errString(rerr)},
		}, audit.NewActivityRecord(audit.TypeTokenReuseDetected, rec.ClientID, rec.Subject, TypeRefresh, rec.JTI))
		return nil, ErrRefreshSuperseded
	}

	app, err := s.apps.Get(ctx, rec.ClientID)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, registry.ErrApplicationInactive
	}

	// Permissions are re-resolved against current role state; the groups
	// snapshot rode along on the refresh claims.
	res, err := s.perms.Resolve(ctx, rec.ClientID, v.Claims.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	now := time.Now()
	access := &Claims{
		RegisteredClaims: s.registered(rec.Subject, rec.ClientID, now, s.ttl.Access),
		TokenType:        TypeAccess,
		TokenVersion:     TokenVersion,
		Roles:            res.Roles,
		RlsFilters:       res.RlsFilters,
		RlsOperators:     res.RlsOperators,
	}
	if app.CompactClaims {
		access.GraphVersion = res.GraphVersion
	} else {
		access.Permissions = res.Permissions
	}
	if app.BindIP && reqCtx.IP != "" {
		access.BoundIP = reqCtx.IP
	}
	if app.BindDevice && reqCtx.Device != "" {
		access.BoundDevice = reqCtx.Device
	}

	accessToken, err := s.sign(access)
	if err != nil {
		return nil, err
	}

	next := &Claims{
		RegisteredClaims: s.registered(rec.Subject, rec.ClientID, now, s.ttl.Refresh),
		TokenType:        TypeRefresh,
		TokenVersion:     TokenVersion,
		Groups:           v.Claims.Groups,
	}
	nextToken, err := s.sign(next)
	if err != nil {
		return nil, err
	}

	if err := s.refreshRepo.Rotate(ctx, hash, &RefreshRecord{
		TokenHash:       HashToken(nextToken),
		ParentTokenHash: hash,
		JTI:             next.ID,
		Subject:         rec.Subject,
		ClientID:        rec.ClientID,
		ExpiresAt:       next.ExpiresAt.Time,
		CreatedAt:       now,
	}); err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.recorder.Record(ctx, audit.Event{
		Type:     audit.TypeTokenRefreshed,
		ClientID: rec.ClientID,
		ActorID:  rec.Subject,
		Resource: "token",
		Metadata: map[string]any{"jti": access.ID},
	}, audit.NewActivityRecord(audit.TypeTokenRefreshed, rec.ClientID, rec.Subject, TypeAccess, access.ID))
	metrics.RecordTokenIssued(ctx, TypeAccess)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: nextToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.ttl.Access.Seconds()),
	}, nil
}

// IssueServiceToken signs a short-lived, narrowly-scoped service token for
// the A2A broker. Scope and duration policy already applied there; only an
// unset duration falls back to the default service TTL.
func (s *Issuer) IssueServiceToken(ctx context.Context, sourceClientID, targetClientID string, scopes []string, duration time.Duration) (string, *Claims, error) {
	if duration <= 0 {
		duration = s.ttl.Service
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: s.registered(sourceClientID, targetClientID, now, duration),
		TokenType:        TypeService,
		TokenVersion:     TokenVersion,
		Permissions:      scopes,
		A2AID:            uuid.NewString(),
	}

	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Type:     audit.TypeServiceTokenIssued,
		ClientID: targetClientID,
		ActorID:  sourceClientID,
		Resource: "token",
		Metadata: map[string]any{"jti": claims.ID, "a2a_id": claims.A2AID, "scopes": scopes},
	}, audit.NewActivityRecord(audit.TypeServiceTokenIssued, targetClientID, sourceClientID, TypeService, claims.ID))
	metrics.RecordTokenIssued(ctx, TypeService)

	return signed, claims, nil
}

// Revoke adds a token's jti to the revocation index. Idempotent: revoking an
// already-revoked jti is a no-op.
func (s *Issuer) Revoke(ctx context.Context, validator *Validator, rawToken string) error {
	claims, err := validator.ParseForRevocation(rawToken)
	if err != nil {
		return err
	}

	if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	// A refresh token revocation takes its chain down with it.
	if claims.TokenType == TypeRefresh {
		if _, err := s.refreshRepo.RevokeChain(ctx, HashToken(rawToken)); err != nil && err != ErrRefreshNotFound {
			return err
		}
	}

	s.recorder.Record(ctx, audit.Event{
		Type:     audit.TypeTokenRevoked,
		ClientID: firstAudience(claims),
		ActorID:  claims.Subject,
		Resource: "token",
		Metadata: map[string]any{"jti": claims.ID},
	}, audit.NewActivityRecord(audit.TypeTokenRevoked, firstAudience(claims), claims.Subject, claims.TokenType, claims.ID))

	return nil
}

func (s *Issuer) registered(subject, audience string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func (s *Issuer) sign(claims *Claims) (string, error) {
	key, err := s.keyring.Active()
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID
	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func firstAudience(claims *Claims) string {
	if len(claims.Audience) > 0 {
		return claims.Audience[0]
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
