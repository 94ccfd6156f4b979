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

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/authz"
)

// MappingRepository implements authz.MappingRepository
type MappingRepository struct {
	db *DB
}

// NewMappingRepository creates a new group-role mapping repository
func NewMappingRepository(db *DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// Create adds a mapping
func (r *MappingRepository) Create(ctx context.Context, m *authz.GroupRoleMapping) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO group_role_mappings (id, client_id, group_name, role_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, group_name, role_name) DO NOTHING
	`, uuid.NewString(), m.ClientID, m.GroupName, m.RoleName, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

// Delete removes a mapping
func (r *MappingRepository) Delete(ctx context.Context, clientID, groupName, roleName string) error {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM group_role_mappings
		WHERE client_id = $1 AND group_name = $2 AND role_name = $3
	`, clientID, groupName, roleName)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authz.ErrMappingNotFound
	}
	return nil
}

// ListByClient retrieves all mappings of an application
func (r *MappingRepository) ListByClient(ctx context.Context, clientID string) ([]*authz.GroupRoleMapping, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT client_id, group_name, role_name, created_at
		FROM group_role_mappings
		WHERE client_id = $1
		ORDER BY group_name, role_name
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*authz.GroupRoleMapping
	for rows.Next() {
		var m authz.GroupRoleMapping
		if err := rows.Scan(&m.ClientID, &m.GroupName, &m.RoleName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}

	return mappings, rows.Err()
}

// RoleNamesForGroups resolves the role names mapped to any of the given
// groups for an application
func (r *MappingRepository) RoleNamesForGroups(ctx context.Context, clientID string, groups []string) ([]string, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT DISTINCT role_name
		FROM group_role_mappings
		WHERE client_id = $1 AND group_name = ANY($2)
		ORDER BY role_name
	`, clientID, groups)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles for groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role name: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}
