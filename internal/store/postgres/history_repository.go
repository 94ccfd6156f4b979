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

	"github.com/jackc/pgx/v5"

	"github.com/aegisid/aegis/internal/discovery"
)

// HistoryRepository implements discovery.HistoryRepository
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new discovery history repository
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append records an attempt and prunes entries beyond the cap
func (r *HistoryRepository) Append(ctx context.Context, attempt *discovery.Attempt) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO discovery_history (client_id, outcome, error_class, message, latency_ms, graph_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.ClientID, string(attempt.Outcome), string(attempt.ErrorClass),
		attempt.Message, attempt.Latency.Milliseconds(), attempt.Version, attempt.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	// Keep only the newest HistoryCap rows per application.
	_, err = tx.Exec(ctx, `
		DELETE FROM discovery_history
		WHERE client_id = $1 AND id NOT IN (
			SELECT id FROM discovery_history
			WHERE client_id = $1
			ORDER BY id DESC
			LIMIT $2
		)
	`, attempt.ClientID, discovery.HistoryCap)
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}

	return tx.Commit(ctx)
}

// List retrieves attempts newest-first, up to limit
func (r *HistoryRepository) List(ctx context.Context, clientID string, limit int) ([]*discovery.Attempt, error) {
	if limit <= 0 || limit > discovery.HistoryCap {
		limit = discovery.HistoryCap
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT client_id, outcome, error_class, message, latency_ms, graph_version, created_at
		FROM discovery_history
		WHERE client_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var attempts []*discovery.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// LastSuccess retrieves the most recent successful attempt, or nil
func (r *HistoryRepository) LastSuccess(ctx context.Context, clientID string) (*discovery.Attempt, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT client_id, outcome, error_class, message, latency_ms, graph_version, created_at
		FROM discovery_history
		WHERE client_id = $1 AND outcome = $2
		ORDER BY id DESC
		LIMIT 1
	`, clientID, string(discovery.OutcomeSuccess))

	a, err := scanAttempt(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// Prune removes attempts older than the cutoff across all applications
func (r *HistoryRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM discovery_history WHERE created_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAttempt(row pgx.Row) (*discovery.Attempt, error) {
	var a discovery.Attempt
	var outcome, errorClass string
	var latencyMS int64

	if err := row.Scan(&a.ClientID, &outcome, &errorClass, &a.Message, &latencyMS, &a.Version, &a.Timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan history attempt: %w", err)
	}

	a.Outcome = discovery.Outcome(outcome)
	a.ErrorClass = discovery.ErrorClass(errorClass)
	a.Latency = time.Duration(latencyMS) * time.Millisecond
	return &a, nil
}
