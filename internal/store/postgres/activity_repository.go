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

	"github.com/aegisid/aegis/internal/audit"
)

// ActivityRepository implements audit.ActivityRepository
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new activity trail repository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Append appends a record. Records are never updated or deleted individually.
func (r *ActivityRepository) Append(ctx context.Context, rec *audit.ActivityRecord) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO activity_log (id, event_type, client_id, subject, token_type, jti, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.EventType, rec.ClientID, rec.Subject, rec.TokenType, rec.JTI, rec.IPAddress, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append activity record: %w", err)
	}
	return nil
}

// ListByClient retrieves the most recent records for an application. ULIDs
// sort lexicographically by time, so ordering by id is ordering by time.
func (r *ActivityRepository) ListByClient(ctx context.Context, clientID string, limit int) ([]*audit.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT id, event_type, client_id, subject, token_type, jti, ip_address, created_at
		FROM activity_log
		WHERE client_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity records: %w", err)
	}
	defer rows.Close()

	var records []*audit.ActivityRecord
	for rows.Next() {
		var rec audit.ActivityRecord
		if err := rows.Scan(
			&rec.ID, &rec.EventType, &rec.ClientID, &rec.Subject,
			&rec.TokenType, &rec.JTI, &rec.IPAddress, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}
