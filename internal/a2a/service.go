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

package a2a

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/registry"
	"github.com/aegisid/aegis/internal/token"
)

// ServiceTokenSigner issues the signed service token once the broker has
// approved the request.
type ServiceTokenSigner interface {
	IssueServiceToken(ctx context.Context, sourceClientID, targetClientID string, scopes []string, duration time.Duration) (string, *token.Claims, error)
}

// ServiceToken is the broker's response for an approved request.
type ServiceToken struct {
	Token     string        `json:"access_token"`
	TokenType string        `json:"token_type"`
	ExpiresIn int           `json:"expires_in"`
	A2AID     string        `json:"a2a_id"`
	Scopes    []string      `json:"scopes"`
	Duration  time.Duration `json:"-"`
}

// Service is the agent-to-agent broker: it authenticates the calling
// service, checks the directed permission, and mints a narrow token.
type Service struct {
	apps     ApplicationSource
	keys     APIKeyRepository
	perms    PermissionRepository
	hasher   *KeyHasher
	signer   ServiceTokenSigner
	recorder *audit.Recorder
}

// ApplicationSource yields application registrations.
type ApplicationSource interface {
	Get(ctx context.Context, clientID string) (*registry.Application, error)
}

// NewService creates a new A2A broker service
func NewService(apps ApplicationSource, keys APIKeyRepository, perms PermissionRepository, hasher *KeyHasher, signer ServiceTokenSigner, recorder *audit.Recorder) *Service {
	if hasher == nil {
		hasher = DefaultKeyHasher()
	}
	return &Service{
		apps:     apps,
		keys:     keys,
		perms:    perms,
		hasher:   hasher,
		signer:   signer,
		recorder: recorder,
	}
}

// RequestServiceToken authenticates the source by API key and issues a
// service token for the target if a permission covers every requested
// scope. Credential validation runs before any permission lookup so a
// caller with a bad key learns nothing about the permission table.
func (s *Service) RequestServiceToken(ctx context.Context, sourceClientID, rawAPIKey, targetClientID string, scopes []string, requested time.Duration) (*ServiceToken, error) {
	source, err := s.apps.Get(ctx, sourceClientID)
	if err != nil {
		return nil, err
	}
	if !source.IsActive {
		return nil, registry.ErrApplicationInactive
	}

	keyID, err := s.verifyKey(ctx, sourceClientID, rawAPIKey)
	if err != nil {
		s.recordDenied(ctx, sourceClientID, targetClientID, "invalid_api_key")
		return nil, err
	}

	target, err := s.apps.Get(ctx, targetClientID)
	if err != nil {
		return nil, err
	}
	if !target.IsActive {
		return nil, registry.ErrApplicationInactive
	}

	perm, err := s.perms.Get(ctx, sourceClientID, targetClientID)
	if err != nil || !perm.IsActive {
		s.recordDenied(ctx, sourceClientID, targetClientID, "no_permission")
		return nil, &NoPermissionError{SourceClientID: sourceClientID, TargetClientID: targetClientID}
	}

	if ok, denied := perm.AllowsAll(scopes); !ok {
		s.recordDenied(ctx, sourceClientID, targetClientID, "scope_denied")
		return nil, &ScopeDeniedError{SourceClientID: sourceClientID, TargetClientID: targetClientID, Denied: denied}
	}

	duration := requested
	if duration <= 0 || duration > perm.MaxTokenDuration {
		duration = perm.MaxTokenDuration
	}

	signed, claims, err := s.signer.IssueServiceToken(ctx, sourceClientID, targetClientID, scopes, duration)
	if err != nil {
		return nil, err
	}

	// Last-used tracking is best-effort.
	_ = s.keys.TouchLastUsed(ctx, keyID, time.Now())

	// ExpiresIn is derived from the signed claims so the advertised lifetime
	// can never diverge from the token's own exp.
	lifetime := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)

	return &ServiceToken{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresIn: int(lifetime.Seconds()),
		A2AID:     claims.A2AID,
		Scopes:    scopes,
		Duration:  lifetime,
	}, nil
}

// verifyKey checks the raw key against every active, unexpired key of the
// source and returns the matching key's id.
func (s *Service) verifyKey(ctx context.Context, clientID, rawAPIKey string) (string, error) {
	if rawAPIKey == "" {
		return "", ErrInvalidAPIKey
	}
	keys, err := s.keys.ActiveByClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	for _, k := range keys {
		if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
			continue
		}
		ok, verr := s.hasher.Verify(rawAPIKey, k.KeyHash)
		if verr == nil && ok {
			return k.ID, nil
		}
	}
	return "", ErrInvalidAPIKey
}

func (s *Service) recordDenied(ctx context.Context, sourceClientID, targetClientID, reason string) {
	s.recorder.Record(ctx, audit.Event{
		Type:     audit.TypeServiceTokenDenied,
		ClientID: targetClientID,
		ActorID:  sourceClientID,
		Resource: "token",
		Metadata: map[string]any{"reason": reason},
	}, audit.NewActivityRecord(audit.TypeServiceTokenDenied, targetClientID, sourceClientID, token.TypeService, ""))
}

// CreateAPIKey mints a new API key for an application. The raw key is
// returned exactly once and only its hash is stored. A positive ttl sets an
// expiry after which the key stops verifying; zero means no expiry.
func (s *Service) CreateAPIKey(ctx context.Context, clientID, name string, ttl time.Duration) (*APIKey, string, error) {
	if _, err := s.apps.Get(ctx, clientID); err != nil {
		return nil, "", err
	}

	raw, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := s.hasher.Hash(raw)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	key := &APIKey{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Name:      name,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// RevokeAPIKey deactivates a key.
func (s *Service) RevokeAPIKey(ctx context.Context, id string) error {
	return s.keys.Revoke(ctx, id)
}

// ListAPIKeys lists all keys of an application, hashes included but never
// raw keys.
func (s *Service) ListAPIKeys(ctx context.Context, clientID string) ([]*APIKey, error) {
	return s.keys.ListByClient(ctx, clientID)
}

// GrantPermission creates or replaces the directed permission for a
// source/target pair.
func (s *Service) GrantPermission(ctx context.Context, perm *Permission) error {
	if _, err := s.apps.Get(ctx, perm.SourceClientID); err != nil {
		return err
	}
	if _, err := s.apps.Get(ctx, perm.TargetClientID); err != nil {
		return err
	}
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	if perm.MaxTokenDuration <= 0 {
		perm.MaxTokenDuration = 5 * time.Minute
	}
	perm.IsActive = true
	now := time.Now()
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = now
	}
	perm.UpdatedAt = now
	return s.perms.Upsert(ctx, perm)
}

// RevokePermission deletes the permission for a source/target pair.
func (s *Service) RevokePermission(ctx context.Context, sourceClientID, targetClientID string) error {
	return s.perms.Delete(ctx, sourceClientID, targetClientID)
}

// ListPermissions lists the permissions granted to a source application.
func (s *Service) ListPermissions(ctx context.Context, sourceClientID string) ([]*Permission, error) {
	return s.perms.ListBySource(ctx, sourceClientID)
}
