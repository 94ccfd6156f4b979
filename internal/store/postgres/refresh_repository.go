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
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aegisid/aegis/internal/token"
)

// RefreshRepository implements token.RefreshRepository
type RefreshRepository struct {
	db *DB
}

// NewRefreshRepository creates a new refresh token repository
func NewRefreshRepository(db *DB) *RefreshRepository {
	return &RefreshRepository{db: db}
}

// Create persists a new refresh record
func (r *RefreshRepository) Create(ctx context.Context, rec *token.RefreshRecord) error {
	var parent sql.NullString
	if rec.ParentTokenHash != "" {
		parent = sql.NullString{String: rec.ParentTokenHash, Valid: true}
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, parent_token_hash, jti, subject, client_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.TokenHash, parent, rec.JTI, rec.Subject, rec.ClientID, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh record: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves a refresh record
func (r *RefreshRepository) GetByTokenHash(ctx context.Context, hash string) (*token.RefreshRecord, error) {
	var rec token.RefreshRecord
	var parent sql.NullString
	var supersededAt, revokedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT token_hash, parent_token_hash, jti, subject, client_id,
		       expires_at, superseded, superseded_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash).Scan(
		&rec.TokenHash, &parent, &rec.JTI, &rec.Subject, &rec.ClientID,
		&rec.ExpiresAt, &rec.Superseded, &supersededAt, &revokedAt, &rec.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, token.ErrRefreshNotFound
		}
		return nil, fmt.Errorf("failed to get refresh record: %w", err)
	}

	if parent.Valid {
		rec.ParentTokenHash = parent.String
	}
	if supersededAt.Valid {
		rec.SupersededAt = &supersededAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}

	return &rec, nil
}

// Rotate atomically marks the old record superseded and inserts the
// successor. Both happen or neither does: a half-rotated chain would leave
// a token that can never be traced for revocation.
func (r *RefreshRepository) Rotate(ctx context.Context, oldHash string, successor *token.RefreshRecord) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET superseded = TRUE, superseded_at = NOW()
		WHERE token_hash = $1 AND superseded = FALSE AND revoked_at IS NULL
	`, oldHash)
	if err != nil {
		return fmt.Errorf("failed to supersede refresh record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return token.ErrRefreshSuperseded
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, parent_token_hash, jti, subject, client_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, successor.TokenHash, successor.ParentTokenHash, successor.JTI,
		successor.Subject, successor.ClientID, successor.ExpiresAt, successor.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert successor record: %w", err)
	}

	return tx.Commit(ctx)
}

// RevokeChain revokes a record and every descendant linked through
// parent_token_hash.
func (r *RefreshRepository) RevokeChain(ctx context.Context, hash string) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		WITH RECURSIVE chain AS (
			SELECT token_hash FROM refresh_tokens WHERE token_hash = $1
			UNION ALL
			SELECT rt.token_hash
			FROM refresh_tokens rt
			JOIN chain c ON rt.parent_token_hash = c.token_hash
		)
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE token_hash IN (SELECT token_hash FROM chain) AND revoked_at IS NULL
	`, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh chain: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes records past expiry
func (r *RefreshRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh records: %w", err)
	}
	return tag.RowsAffected(), nil
}
