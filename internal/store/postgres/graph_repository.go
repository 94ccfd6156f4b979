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
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aegisid/aegis/internal/registry"
)

// GraphRepository implements registry.GraphRepository
type GraphRepository struct {
	db *DB
}

// NewGraphRepository creates a new capability graph repository
func NewGraphRepository(db *DB) *GraphRepository {
	return &GraphRepository{db: db}
}

// Get retrieves the current graph snapshot for an application
func (r *GraphRepository) Get(ctx context.Context, clientID string) (*registry.CapabilityGraph, error) {
	var graph registry.CapabilityGraph
	var endpointsJSON, fieldsJSON []byte

	err := r.db.pool.QueryRow(ctx, `
		SELECT client_id, app_name, version, endpoints, fields, last_updated
		FROM capability_graphs
		WHERE client_id = $1
	`, clientID).Scan(
		&graph.ClientID, &graph.AppName, &graph.Version, &endpointsJSON, &fieldsJSON, &graph.LastUpdated,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, registry.ErrGraphNotFound
		}
		return nil, fmt.Errorf("failed to get capability graph: %w", err)
	}

	if err := json.Unmarshal(endpointsJSON, &graph.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoints: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &graph.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	return &graph, nil
}

// Replace atomically swaps the graph for an application and bumps the
// monotonic version. The stored version is returned.
func (r *GraphRepository) Replace(ctx context.Context, clientID string, graph *registry.CapabilityGraph) (int64, error) {
	endpoints, err := json.Marshal(graph.Endpoints)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal endpoints: %w", err)
	}
	fields, err := json.Marshal(graph.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal fields: %w", err)
	}

	var version int64
	err = r.db.pool.QueryRow(ctx, `
		INSERT INTO capability_graphs (client_id, app_name, version, endpoints, fields, last_updated)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			app_name = EXCLUDED.app_name,
			version = capability_graphs.version + 1,
			endpoints = EXCLUDED.endpoints,
			fields = EXCLUDED.fields,
			last_updated = EXCLUDED.last_updated
		RETURNING version
	`, clientID, graph.AppName, endpoints, fields, graph.LastUpdated).Scan(&version)

	if err != nil {
		return 0, fmt.Errorf("failed to replace capability graph: %w", err)
	}

	return version, nil
}
