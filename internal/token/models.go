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

package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Domain errors
var (
	ErrRefreshNotFound   = errors.New("refresh token not found")
	ErrRefreshSuperseded = errors.New("refresh token already superseded")
	ErrRefreshRevoked    = errors.New("refresh token revoked")
)

// Token types carried in the token_type claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypeService = "service"
)

// AudienceInternal is the audience of tokens issued for platform-internal
// calls, including this system's own admin API.
const AudienceInternal = "internal-services"

// TokenVersion is the claim-set version stamped into every issued token.
const TokenVersion = 2

// Claims is the full claim set of an issued token. Permissions and RLS
// filters are a snapshot taken at issuance: later role edits never change a
// live token.
type Claims struct {
	jwt.RegisteredClaims

	TokenType    string              `json:"token_type"`
	TokenVersion int                 `json:"token_version"`
	Roles        []string            `json:"roles,omitempty"`
	Permissions  []string            `json:"permissions,omitempty"`
	RlsFilters   map[string][]string `json:"rls_filters,omitempty"`
	RlsOperators map[string]string   `json:"rls_operators,omitempty"`

	// GraphVersion is set (with Permissions omitted) for applications that
	// opted into compact claims; the resource server re-expands
	// {roles, graph_version} against the registry.
	GraphVersion int64 `json:"graph_version,omitempty"`

	// Binding metadata; validation fails closed on mismatch.
	BoundIP     string `json:"bound_ip,omitempty"`
	BoundDevice string `json:"bound_device,omitempty"`

	// A2AID correlates a service token across both systems' audit logs.
	A2AID string `json:"a2a_id,omitempty"`

	// Groups is carried on refresh tokens only, so rotation can re-resolve
	// permissions against the current role state.
	Groups []string `json:"groups,omitempty"`
}

// RefreshRecord tracks one refresh token for rotation and replay detection.
// Rotation links records via ParentTokenHash; reuse of a superseded record
// is a security event.
type RefreshRecord struct {
	TokenHash       string
	ParentTokenHash string
	JTI             string
	Subject         string
	ClientID        string
	ExpiresAt       time.Time
	Superseded      bool
	SupersededAt    *time.Time
	RevokedAt       *time.Time
	CreatedAt       time.Time
}

// RefreshRepository defines the interface for refresh token persistence.
// Rotate must execute supersede-old plus insert-new as a single serializable
// unit: a crash between the two steps must not yield a non-revocable token
// or a lost session.
type RefreshRepository interface {
	// Create persists a new refresh record
	Create(ctx context.Context, rec *RefreshRecord) error

	// GetByTokenHash retrieves a refresh record
	GetByTokenHash(ctx context.Context, hash string) (*RefreshRecord, error)

	// Rotate atomically marks old superseded and inserts the successor
	Rotate(ctx context.Context, oldHash string, successor *RefreshRecord) error

	// RevokeChain revokes a record and every descendant linked through
	// ParentTokenHash
	RevokeChain(ctx context.Context, hash string) (int64, error)

	// DeleteExpired removes records past expiry
	DeleteExpired(ctx context.Context) (int64, error)
}

// RevocationIndex is the jti-keyed revocation store. Append and lookup only;
// expired entries are pruned by the sweep.
type RevocationIndex interface {
	// Revoke adds a jti. Revoking an already-revoked jti is a no-op.
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error

	// IsRevoked reports whether a jti is in the index
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// PurgeExpired drops entries whose token has expired anyway
	PurgeExpired(ctx context.Context) (int64, error)
}

// HashToken computes the storage hash of a raw token string.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
