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

	"github.com/aegisid/aegis/internal/registry"
)

// ApplicationRepository implements registry.ApplicationRepository
type ApplicationRepository struct {
	db *DB
}

// NewApplicationRepository creates a new application repository
func NewApplicationRepository(db *DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// Create registers a new application
func (r *ApplicationRepository) Create(ctx context.Context, app *registry.Application) error {
	redirectURIs, err := json.Marshal(app.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO applications (
			client_id, name, owner_email, redirect_uris, discovery_url,
			allow_discovery, compact_claims, bind_ip, bind_device,
			secret_hash, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		app.ClientID, app.Name, app.OwnerEmail, redirectURIs, app.DiscoveryURL,
		app.AllowDiscovery, app.CompactClaims, app.BindIP, app.BindDevice,
		app.SecretHash, app.IsActive, app.CreatedAt, app.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return nil
}

// GetByClientID retrieves an application by client_id
func (r *ApplicationRepository) GetByClientID(ctx context.Context, clientID string) (*registry.Application, error) {
	var app registry.Application
	var redirectURIsJSON []byte
	var deactivatedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT
			client_id, name, owner_email, redirect_uris, discovery_url,
			allow_discovery, compact_claims, bind_ip, bind_device,
			secret_hash, is_active, created_at, updated_at, deactivated_at
		FROM applications
		WHERE client_id = $1
	`, clientID).Scan(
		&app.ClientID, &app.Name, &app.OwnerEmail, &redirectURIsJSON, &app.DiscoveryURL,
		&app.AllowDiscovery, &app.CompactClaims, &app.BindIP, &app.BindDevice,
		&app.SecretHash, &app.IsActive, &app.CreatedAt, &app.UpdatedAt, &deactivatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, registry.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	if err := json.Unmarshal(redirectURIsJSON, &app.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect URIs: %w", err)
	}
	if deactivatedAt.Valid {
		app.DeactivatedAt = &deactivatedAt.Time
	}

	return &app, nil
}

// Update updates application attributes
func (r *ApplicationRepository) Update(ctx context.Context, app *registry.Application) error {
	redirectURIs, err := json.Marshal(app.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx, `
		UPDATE applications SET
			name = $2, owner_email = $3, redirect_uris = $4, discovery_url = $5,
			allow_discovery = $6, compact_claims = $7, bind_ip = $8, bind_device = $9,
			secret_hash = $10, is_active = $11, updated_at = $12
		WHERE client_id = $1
	`,
		app.ClientID, app.Name, app.OwnerEmail, redirectURIs, app.DiscoveryURL,
		app.AllowDiscovery, app.CompactClaims, app.BindIP, app.BindDevice,
		app.SecretHash, app.IsActive, time.Now(),
	)

	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrApplicationNotFound
	}

	return nil
}

// Deactivate soft-deactivates an application
func (r *ApplicationRepository) Deactivate(ctx context.Context, clientID string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE applications
		SET is_active = FALSE, deactivated_at = NOW(), updated_at = NOW()
		WHERE client_id = $1 AND is_active = TRUE
	`, clientID)

	if err != nil {
		return fmt.Errorf("failed to deactivate application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrApplicationNotFound
	}

	return nil
}

// List retrieves all applications, active first
func (r *ApplicationRepository) List(ctx context.Context) ([]*registry.Application, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT
			client_id, name, owner_email, redirect_uris, discovery_url,
			allow_discovery, compact_claims, bind_ip, bind_device,
			secret_hash, is_active, created_at, updated_at, deactivated_at
		FROM applications
		ORDER BY is_active DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []*registry.Application
	for rows.Next() {
		var app registry.Application
		var redirectURIsJSON []byte
		var deactivatedAt sql.NullTime

		if err := rows.Scan(
			&app.ClientID, &app.Name, &app.OwnerEmail, &redirectURIsJSON, &app.DiscoveryURL,
			&app.AllowDiscovery, &app.CompactClaims, &app.BindIP, &app.BindDevice,
			&app.SecretHash, &app.IsActive, &app.CreatedAt, &app.UpdatedAt, &deactivatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}

		if err := json.Unmarshal(redirectURIsJSON, &app.RedirectURIs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal redirect URIs: %w", err)
		}
		if deactivatedAt.Valid {
			app.DeactivatedAt = &deactivatedAt.Time
		}

		apps = append(apps, &app)
	}

	return apps, rows.Err()
}
