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
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	ErrAPIKeyNotFound     = errors.New("api key not found")
	ErrAPIKeyInactive     = errors.New("api key is inactive")
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrPermissionNotFound = errors.New("a2a permission not found")
	ErrPermissionExists   = errors.New("a2a permission already exists")
)

// NoPermissionError means no service-to-service permission exists for the
// source/target pair. Distinct from a scope denial so callers can tell
// "never allowed" from "asked for too much".
type NoPermissionError struct {
	SourceClientID string
	TargetClientID string
}

func (e *NoPermissionError) Error() string {
	return fmt.Sprintf("no a2a permission from %s to %s", e.SourceClientID, e.TargetClientID)
}

// ScopeDeniedError means at least one requested scope is outside the allowed
// set. Denied lists the offending scopes; nothing is issued.
type ScopeDeniedError struct {
	SourceClientID string
	TargetClientID string
	Denied         []string
}

func (e *ScopeDeniedError) Error() string {
	return fmt.Sprintf("scopes %v not granted from %s to %s", e.Denied, e.SourceClientID, e.TargetClientID)
}

// APIKey is a long-lived service credential. Only the argon2id hash is
// stored; the raw key is shown once at creation. A nil ExpiresAt means the
// key never expires.
type APIKey struct {
	ID        string
	ClientID  string
	Name      string
	KeyHash   string
	IsActive  bool
	LastUsed  *time.Time
	CreatedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Permission is one directed service-to-service grant.
type Permission struct {
	ID               string
	SourceClientID   string
	TargetClientID   string
	AllowedScopes    []string
	MaxTokenDuration time.Duration
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AllowsAll reports whether every requested scope is inside the allowed set,
// returning the denied remainder. An empty request is allowed trivially.
func (p *Permission) AllowsAll(requested []string) (bool, []string) {
	allowed := make(map[string]struct{}, len(p.AllowedScopes))
	for _, s := range p.AllowedScopes {
		allowed[s] = struct{}{}
	}
	var denied []string
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			denied = append(denied, s)
		}
	}
	return len(denied) == 0, denied
}

// APIKeyRepository defines the interface for API key persistence
type APIKeyRepository interface {
	// Create persists a new API key
	Create(ctx context.Context, key *APIKey) error

	// ListByClient retrieves all keys for an application
	ListByClient(ctx context.Context, clientID string) ([]*APIKey, error)

	// ActiveByClient retrieves the active keys for an application
	ActiveByClient(ctx context.Context, clientID string) ([]*APIKey, error)

	// TouchLastUsed records a successful use
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// Revoke deactivates a key
	Revoke(ctx context.Context, id string) error
}

// PermissionRepository defines the interface for A2A permission persistence
type PermissionRepository interface {
	// Upsert creates or replaces the permission for a source/target pair
	Upsert(ctx context.Context, perm *Permission) error

	// Get retrieves the permission for a source/target pair
	Get(ctx context.Context, sourceClientID, targetClientID string) (*Permission, error)

	// ListBySource retrieves all permissions granted to a source
	ListBySource(ctx context.Context, sourceClientID string) ([]*Permission, error)

	// Delete removes a permission
	Delete(ctx context.Context, sourceClientID, targetClientID string) error
}
