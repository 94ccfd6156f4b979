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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegisid/aegis/internal/a2a"
)

// APIKeyRepository implements a2a.APIKeyRepository
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create persists a new API key
func (r *APIKeyRepository) Create(ctx context.Context, key *a2a.APIKey) error {
	var expiresAt sql.NullTime
	if key.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *key.ExpiresAt, Valid: true}
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO a2a_api_keys (id, client_id, name, key_hash, is_active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.ClientID, key.Name, key.KeyHash, key.IsActive, key.CreatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// ListByClient retrieves all keys for an application
func (r *APIKeyRepository) ListByClient(ctx context.Context, clientID string) ([]*a2a.APIKey, error) {
	return r.list(ctx, `
		SELECT id, client_id, name, key_hash, is_active, last_used, created_at, expires_at, revoked_at
		FROM a2a_api_keys
		WHERE client_id = $1
		ORDER BY created_at DESC
	`, clientID)
}

// ActiveByClient retrieves the active keys for an application
func (r *APIKeyRepository) ActiveByClient(ctx context.Context, clientID string) ([]*a2a.APIKey, error) {
	return r.list(ctx, `
		SELECT id, client_id, name, key_hash, is_active, last_used, created_at, expires_at, revoked_at
		FROM a2a_api_keys
		WHERE client_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
	`, clientID)
}

func (r *APIKeyRepository) list(ctx context.Context, query, clientID string) ([]*a2a.APIKey, error) {
	rows, err := r.db.pool.Query(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*a2a.APIKey
	for rows.Next() {
		var key a2a.APIKey
		var lastUsed, expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(
			&key.ID, &key.ClientID, &key.Name, &key.KeyHash,
			&key.IsActive, &lastUsed, &key.CreatedAt, &expiresAt, &revokedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if lastUsed.Valid {
			key.LastUsed = &lastUsed.Time
		}
		if expiresAt.Valid {
			key.ExpiresAt = &expiresAt.Time
		}
		if revokedAt.Valid {
			key.RevokedAt = &revokedAt.Time
		}
		keys = append(keys, &key)
	}

	return keys, rows.Err()
}

// TouchLastUsed records a successful use
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE a2a_api_keys SET last_used = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// Revoke deactivates a key
func (r *APIKeyRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE a2a_api_keys
		SET is_active = FALSE, revoked_at = NOW()
		WHERE id = $1 AND is_active = TRUE
	`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return a2a.ErrAPIKeyNotFound
	}
	return nil
}

// PermissionRepository implements a2a.PermissionRepository
type PermissionRepository struct {
	db *DB
}

// NewA2APermissionRepository creates a new A2A permission repository
func NewA2APermissionRepository(db *DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// Upsert creates or replaces the permission for a source/target pair
func (r *PermissionRepository) Upsert(ctx context.Context, perm *a2a.Permission) error {
	scopes, err := json.Marshal(perm.AllowedScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed scopes: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO a2a_permissions (
			id, source_client_id, target_client_id, allowed_scopes,
			max_token_duration, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_client_id, target_client_id) DO UPDATE SET
			allowed_scopes = EXCLUDED.allowed_scopes,
			max_token_duration = EXCLUDED.max_token_duration,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, perm.ID, perm.SourceClientID, perm.TargetClientID, scopes,
		int64(perm.MaxTokenDuration.Seconds()), perm.IsActive, perm.CreatedAt, perm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert a2a permission: %w", err)
	}
	return nil
}

// Get retrieves the permission for a source/target pair
func (r *PermissionRepository) Get(ctx context.Context, sourceClientID, targetClientID string) (*a2a.Permission, error) {
	var perm a2a.Permission
	var scopesJSON []byte
	var durationSeconds int64

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, source_client_id, target_client_id, allowed_scopes,
		       max_token_duration, is_active, created_at, updated_at
		FROM a2a_permissions
		WHERE source_client_id = $1 AND target_client_id = $2
	`, sourceClientID, targetClientID).Scan(
		&perm.ID, &perm.SourceClientID, &perm.TargetClientID, &scopesJSON,
		&durationSeconds, &perm.IsActive, &perm.CreatedAt, &perm.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, a2a.ErrPermissionNotFound
		}
		return nil, fmt.Errorf("failed to get a2a permission: %w", err)
	}

	if err := json.Unmarshal(scopesJSON, &perm.AllowedScopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed scopes: %w", err)
	}
	perm.MaxTokenDuration = time.Duration(durationSeconds) * time.Second

	return &perm, nil
}

// ListBySource retrieves all permissions granted to a source
func (r *PermissionRepository) ListBySource(ctx context.Context, sourceClientID string) ([]*a2a.Permission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, source_client_id, target_client_id, allowed_scopes,
		       max_token_duration, is_active, created_at, updated_at
		FROM a2a_permissions
		WHERE source_client_id = $1
		ORDER BY target_client_id
	`, sourceClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list a2a permissions: %w", err)
	}
	defer rows.Close()

	var perms []*a2a.Permission
	for rows.Next() {
		var perm a2a.Permission
		var scopesJSON []byte
		var durationSeconds int64
		if err := rows.Scan(
			&perm.ID, &perm.SourceClientID, &perm.TargetClientID, &scopesJSON,
			&durationSeconds, &perm.IsActive, &perm.CreatedAt, &perm.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan a2a permission: %w", err)
		}
		if err := json.Unmarshal(scopesJSON, &perm.AllowedScopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed scopes: %w", err)
		}
		perm.MaxTokenDuration = time.Duration(durationSeconds) * time.Second
		perms = append(perms, &perm)
	}

	return perms, rows.Err()
}

// Delete removes a permission
func (r *PermissionRepository) Delete(ctx context.Context, sourceClientID, targetClientID string) error {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM a2a_permissions
		WHERE source_client_id = $1 AND target_client_id = $2
	`, sourceClientID, targetClientID)
	if err != nil {
		return fmt.Errorf("failed to delete a2a permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return a2a.ErrPermissionNotFound
	}
	return nil
}
