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

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aegis:revoked:"

// RevocationIndex implements token.RevocationIndex on Redis. Entries carry a
// TTL matching the token's remaining lifetime, so expiry doubles as purge.
type RevocationIndex struct {
	client *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRevocationIndex connects to Redis and verifies the connection.
func NewRevocationIndex(ctx context.Context, cfg Config) (*RevocationIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RevocationIndex{client: client}, nil
}

// Close closes the Redis connection
func (r *RevocationIndex) Close() error {
	return r.client.Close()
}

// Revoke adds a jti. Revoking an already-revoked jti is a no-op.
func (r *RevocationIndex) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; nothing to index.
		return nil
	}

	if err := r.client.Set(ctx, keyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a jti is in the index
func (r *RevocationIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired is a no-op on Redis: keys expire with their token.
func (r *RevocationIndex) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
