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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisid/aegis/internal/authz"
)

// RoleRepository implements authz.RoleRepository
type RoleRepository struct {
	db *DB
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// Create persists a role with its grants and filters in one transaction
func (r *RoleRepository) Create(ctx context.Context, role *authz.Role) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	roleID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO roles (id, client_id, name, description, a2a_only, is_default, priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		roleID, role.ClientID, role.Name, role.Description,
		role.A2AOnly, role.IsDefault, role.Priority, role.IsActive,
		role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	if err := insertGrantsAndFilters(ctx, tx, roleID, role); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Update replaces a role's attributes, grants, and filters in one transaction
func (r *RoleRepository) Update(ctx context.Context, role *authz.Role) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var roleID string
	err = tx.QueryRow(ctx, `
		UPDATE roles SET
			description = $3, a2a_only = $4, is_default = $5,
			priority = $6, is_active = $7, updated_at = $8
		WHERE client_id = $1 AND name = $2
		RETURNING id
	`,
		role.ClientID, role.Name, role.Description,
		role.A2AOnly, role.IsDefault, role.Priority, role.IsActive, time.Now(),
	).Scan(&roleID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return authz.ErrRoleNotFound
		}
		return fmt.Errorf("failed to update role: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM role_grants WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM role_rls_filters WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear filters: %w", err)
	}

	if err := insertGrantsAndFilters(ctx, tx, roleID, role); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertGrantsAndFilters(ctx context.Context, tx pgx.Tx, roleID string, role *authz.Role) error {
	for _, g := range role.Grants {
		_, err := tx.Exec(ctx, `
			INSERT INTO role_grants (id, role_id, resource, action, effect, category, field, stale)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.NewString(), roleID, g.Resource, g.Action, string(g.Effect), g.Category, g.Field, g.Stale)
		if err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
	}

	for _, f := range role.Filters {
		_, err := tx.Exec(ctx, `
			INSERT INTO role_rls_filters (id, role_id, resource, field, expression, operator, priority)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.NewString(), roleID, f.Resource, f.Field, f.Expression, f.Operator, f.Priority)
		if err != nil {
			return fmt.Errorf("failed to insert rls filter: %w", err)
		}
	}

	return nil
}

// Get retrieves a role with grants and filters populated
func (r *RoleRepository) Get(ctx context.Context, clientID, name string) (*authz.Role, error) {
	var role authz.Role
	var roleID string

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, client_id, name, description, a2a_only, is_default, priority, is_active, created_at, updated_at
		FROM roles
		WHERE client_id = $1 AND name = $2
	`, clientID, name).Scan(
		&roleID, &role.ClientID, &role.Name, &role.Description,
		&role.A2AOnly, &role.IsDefault, &role.Priority, &role.IsActive,
		&role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, authz.ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	if err := r.loadGrantsAndFilters(ctx, roleID, &role); err != nil {
		return nil, err
	}

	return &role, nil
}

func (r *RoleRepository) loadGrantsAndFilters(ctx context.Context, roleID string, role *authz.Role) error {
	rows, err := r.db.pool.Query(ctx, `
		SELECT resource, action, effect, category, field, stale
		FROM role_grants
		WHERE role_id = $1
		ORDER BY resource, action, category, field
	`, roleID)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g authz.Grant
		var effect string
		if err := rows.Scan(&g.Resource, &g.Action, &effect, &g.Category, &g.Field, &g.Stale); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		g.Effect = authz.Effect(effect)
		role.Grants = append(role.Grants, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	frows, err := r.db.pool.Query(ctx, `
		SELECT resource, field, expression, operator, priority
		FROM role_rls_filters
		WHERE role_id = $1
		ORDER BY priority DESC, resource
	`, roleID)
	if err != nil {
		return fmt.Errorf("failed to load rls filters: %w", err)
	}
	defer frows.Close()

	for frows.Next() {
		var f authz.RlsFilter
		if err := frows.Scan(&f.Resource, &f.Field, &f.Expression, &f.Operator, &f.Priority); err != nil {
			return fmt.Errorf("failed to scan rls filter: %w", err)
		}
		role.Filters = append(role.Filters, f)
	}

	return frows.Err()
}

// Delete removes a role and cascades to grants and filters
func (r *RoleRepository) Delete(ctx context.Context, clientID, name string) error {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM roles WHERE client_id = $1 AND name = $2
	`, clientID, name)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authz.ErrRoleNotFound
	}
	return nil
}

// ListByClient retrieves all roles of an application
func (r *RoleRepository) ListByClient(ctx context.Context, clientID string) ([]*authz.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, client_id, name, description, a2a_only, is_default, priority, is_active, created_at, updated_at
		FROM roles
		WHERE client_id = $1
		ORDER BY priority DESC, name ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*authz.Role
	var ids []string
	for rows.Next() {
		var role authz.Role
		var roleID string
		if err := rows.Scan(
			&roleID, &role.ClientID, &role.Name, &role.Description,
			&role.A2AOnly, &role.IsDefault, &role.Priority, &role.IsActive,
			&role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, &role)
		ids = append(ids, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i, role := range roles {
		if err := r.loadGrantsAndFilters(ctx, ids[i], role); err != nil {
			return nil, err
		}
	}

	return roles, nil
}

// MarkStaleGrants flags grants whose field no longer exists in the current
// capability graph. Returns the number of grants flagged.
func (r *RoleRepository) MarkStaleGrants(ctx context.Context, clientID string, missing map[string][]string) (int64, error) {
	var total int64
	for resource, fields := range missing {
		for _, field := range fields {
			tag, err := r.db.pool.Exec(ctx, `
				UPDATE role_grants SET stale = TRUE
				WHERE resource = $2 AND field = $3 AND stale = FALSE
				  AND role_id IN (SELECT id FROM roles WHERE client_id = $1)
			`, clientID, resource, field)
			if err != nil {
				return total, fmt.Errorf("failed to mark stale grants: %w", err)
			}
			total += tag.RowsAffected()
		}
	}
	return total, nil
}

// ClearStaleGrants unflags stale grants whose field exists again in the
// current capability graph. Returns the number of grants cleared.
func (r *RoleRepository) ClearStaleGrants(ctx context.Context, clientID string, recovered map[string][]string) (int64, error) {
	var total int64
	for resource, fields := range recovered {
		for _, field := range fields {
			tag, err := r.db.pool.Exec(ctx, `
				UPDATE role_grants SET stale = FALSE
				WHERE resource = $2 AND field = $3 AND stale = TRUE
				  AND role_id IN (SELECT id FROM roles WHERE client_id = $1)
			`, clientID, resource, field)
			if err != nil {
				return total, fmt.Errorf("failed to clear stale grants: %w", err)
			}
			total += tag.RowsAffected()
		}
	}
	return total, nil
}
